package social

import (
	"context"
	"database/sql"
	"sort"
	"sync"

	"doclib/internal/store"
)

type assetKey struct {
	classNameID int64
	classPK     int64
}

type settingKey struct {
	groupID     int64
	classNameID int64
	classPK     int64
}

// fakeStore keeps counters, limits and settings in memory.
type fakeStore struct {
	mu         sync.Mutex
	users      map[int64]store.User
	classNames map[string]int64
	assets     map[assetKey]store.Asset
	counters   map[int64]*store.ActivityCounter
	limits     map[int64]*store.ActivityLimit
	settings   map[settingKey]bool
	nextID     int64
	sumCalls   int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:      map[int64]store.User{},
		classNames: map[string]int64{store.ClassFileEntry: 1, store.ClassFolder: 2, store.ClassUser: 3},
		assets:     map[assetKey]store.Asset{},
		counters:   map[int64]*store.ActivityCounter{},
		limits:     map[int64]*store.ActivityLimit{},
		settings:   map[settingKey]bool{},
	}
}

func (f *fakeStore) addUser(id int64, name string) {
	f.users[id] = store.User{ID: id, Name: name, Active: true}
}

func (f *fakeStore) addFileEntry(groupID, id, ownerID int64) {
	f.assets[assetKey{classNameID: 1, classPK: id}] = store.Asset{ClassNameID: 1, ClassPK: id, GroupID: groupID, UserID: ownerID}
}

func (f *fakeStore) list(match func(store.ActivityCounter) bool) []store.ActivityCounter {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.ActivityCounter
	for _, c := range f.counters {
		if match(*c) {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (f *fakeStore) named(name string, classPK int64) []store.ActivityCounter {
	return f.list(func(c store.ActivityCounter) bool { return c.Name == name && c.ClassPK == classPK })
}

func (f *fakeStore) GetUser(_ context.Context, id int64) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[id]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return user, nil
}

func (f *fakeStore) ClassNameID(_ context.Context, value string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.classNames[value]
	if !ok {
		id = int64(len(f.classNames) + 1)
		f.classNames[value] = id
	}
	return id, nil
}

func (f *fakeStore) FetchAsset(_ context.Context, classNameID, classPK int64) (*store.Asset, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if classNameID == f.classNames[store.ClassUser] {
		return &store.Asset{ClassNameID: classNameID, ClassPK: classPK, UserID: classPK}, nil
	}
	asset, ok := f.assets[assetKey{classNameID: classNameID, classPK: classPK}]
	if !ok {
		return nil, nil
	}
	return &asset, nil
}

func (f *fakeStore) fetchCounter(match func(store.ActivityCounter) bool) *store.ActivityCounter {
	f.mu.Lock()
	defer f.mu.Unlock()
	var found *store.ActivityCounter
	for _, c := range f.counters {
		if match(*c) && (found == nil || c.StartPeriod > found.StartPeriod) {
			copied := *c
			found = &copied
		}
	}
	return found
}

func (f *fakeStore) FetchActivityCounterByEndPeriod(_ context.Context, groupID, classNameID, classPK int64, name string, ownerType, endPeriod int) (*store.ActivityCounter, error) {
	return f.fetchCounter(func(c store.ActivityCounter) bool {
		return c.GroupID == groupID && c.ClassNameID == classNameID && c.ClassPK == classPK &&
			c.Name == name && c.OwnerType == ownerType && c.EndPeriod == endPeriod
	}), nil
}

func (f *fakeStore) FetchActivityCounterByStartPeriod(_ context.Context, groupID, classNameID, classPK int64, name string, ownerType, startPeriod int) (*store.ActivityCounter, error) {
	return f.fetchCounter(func(c store.ActivityCounter) bool {
		return c.GroupID == groupID && c.ClassNameID == classNameID && c.ClassPK == classPK &&
			c.Name == name && c.OwnerType == ownerType && c.StartPeriod == startPeriod
	}), nil
}

func (f *fakeStore) GetActivityCounter(_ context.Context, id int64) (store.ActivityCounter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.counters[id]
	if !ok {
		return store.ActivityCounter{}, sql.ErrNoRows
	}
	return *c, nil
}

func (f *fakeStore) InsertActivityCounter(_ context.Context, counter *store.ActivityCounter) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.counters {
		if c.GroupID == counter.GroupID && c.ClassNameID == counter.ClassNameID && c.ClassPK == counter.ClassPK &&
			c.Name == counter.Name && c.OwnerType == counter.OwnerType && c.StartPeriod == counter.StartPeriod {
			return store.ErrConflict
		}
	}
	f.nextID++
	counter.ID = f.nextID
	copied := *counter
	f.counters[counter.ID] = &copied
	return nil
}

func (f *fakeStore) UpdateActivityCounter(_ context.Context, counter store.ActivityCounter) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.counters[counter.ID]; !ok {
		return sql.ErrNoRows
	}
	f.counters[counter.ID] = &counter
	return nil
}

func (f *fakeStore) IncrementActivityCounter(_ context.Context, id int64, delta int) (store.ActivityCounter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.counters[id]
	if !ok {
		return store.ActivityCounter{}, sql.ErrNoRows
	}
	c.Current += delta
	c.Total += delta
	return *c, nil
}

func (f *fakeStore) SetActivityCountersActive(_ context.Context, classNameID, classPK int64, active bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.counters {
		if c.ClassNameID == classNameID && c.ClassPK == classPK {
			c.Active = active
		}
	}
	return nil
}

func (f *fakeStore) DeleteActivityCountersByClass(_ context.Context, classNameID, classPK int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, c := range f.counters {
		if c.ClassNameID == classNameID && c.ClassPK == classPK {
			delete(f.counters, id)
		}
	}
	return nil
}

func (f *fakeStore) sum(groupID int64, name string, startPeriod, endPeriod int, byClass bool) []store.ActivityCounter {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sumCalls++
	sums := map[int64]*store.ActivityCounter{}
	for _, c := range f.counters {
		if c.GroupID != groupID || c.Name != name || !c.Active || c.StartPeriod < startPeriod {
			continue
		}
		if c.EndPeriod != EndPeriodUndefined && c.EndPeriod > endPeriod {
			continue
		}
		var key int64
		if byClass {
			key = c.ClassNameID
		}
		sum, ok := sums[key]
		if !ok {
			sum = &store.ActivityCounter{GroupID: groupID, Name: name, ClassNameID: key, Active: true}
			sums[key] = sum
		}
		sum.Current += c.Current
		sum.Total = sum.Current
	}
	out := make([]store.ActivityCounter, 0, len(sums))
	for _, sum := range sums {
		out = append(out, *sum)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClassNameID < out[j].ClassNameID })
	return out
}

func (f *fakeStore) SumActivityCountersByName(_ context.Context, groupID int64, name string, startPeriod, endPeriod int) ([]store.ActivityCounter, error) {
	return f.sum(groupID, name, startPeriod, endPeriod, false), nil
}

func (f *fakeStore) SumActivityCountersByClass(_ context.Context, groupID int64, name string, startPeriod, endPeriod int) ([]store.ActivityCounter, error) {
	return f.sum(groupID, name, startPeriod, endPeriod, true), nil
}

func (f *fakeStore) rank(groupID, userClassNameID int64, names []string) []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	wanted := map[string]bool{}
	for _, name := range names {
		wanted[name] = true
	}
	totals := map[int64]int{}
	for _, c := range f.counters {
		user, ok := f.users[c.ClassPK]
		if c.GroupID != groupID || c.ClassNameID != userClassNameID || !wanted[c.Name] ||
			c.EndPeriod != EndPeriodUndefined || !c.Active || !ok || !user.Active || user.Default {
			continue
		}
		totals[c.ClassPK] += c.Current
	}
	ids := make([]int64, 0, len(totals))
	for id := range totals {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if totals[ids[i]] != totals[ids[j]] {
			return totals[ids[i]] > totals[ids[j]]
		}
		return ids[i] < ids[j]
	})
	return ids
}

func (f *fakeStore) RankUsers(_ context.Context, groupID, userClassNameID int64, names []string, offset, limit int) ([]int64, error) {
	ids := f.rank(groupID, userClassNameID, names)
	if offset >= len(ids) {
		return nil, nil
	}
	ids = ids[offset:]
	if limit > 0 && limit < len(ids) {
		ids = ids[:limit]
	}
	return ids, nil
}

func (f *fakeStore) CountRankedUsers(_ context.Context, groupID, userClassNameID int64, names []string) (int, error) {
	return len(f.rank(groupID, userClassNameID, names)), nil
}

func (f *fakeStore) ListLatestActivityCounters(_ context.Context, groupID, classNameID int64, classPKs []int64, names []string) ([]store.ActivityCounter, error) {
	pks := map[int64]bool{}
	for _, pk := range classPKs {
		pks[pk] = true
	}
	wanted := map[string]bool{}
	for _, name := range names {
		wanted[name] = true
	}
	return f.list(func(c store.ActivityCounter) bool {
		return c.GroupID == groupID && c.ClassNameID == classNameID && pks[c.ClassPK] && wanted[c.Name] && c.EndPeriod == EndPeriodUndefined
	}), nil
}

func (f *fakeStore) FetchActivityLimit(_ context.Context, groupID, userID, classNameID, classPK int64, activityType int, counterName string) (*store.ActivityLimit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, l := range f.limits {
		if l.GroupID == groupID && l.UserID == userID && l.ClassNameID == classNameID && l.ClassPK == classPK &&
			l.ActivityType == activityType && l.ActivityCounterName == counterName {
			copied := *l
			return &copied, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) InsertActivityLimit(_ context.Context, limit *store.ActivityLimit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, l := range f.limits {
		if l.GroupID == limit.GroupID && l.UserID == limit.UserID && l.ClassNameID == limit.ClassNameID &&
			l.ClassPK == limit.ClassPK && l.ActivityType == limit.ActivityType && l.ActivityCounterName == limit.ActivityCounterName {
			return store.ErrConflict
		}
	}
	f.nextID++
	limit.ID = f.nextID
	copied := *limit
	f.limits[limit.ID] = &copied
	return nil
}

func (f *fakeStore) UpdateActivityLimit(_ context.Context, limit store.ActivityLimit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.limits[limit.ID]; !ok {
		return sql.ErrNoRows
	}
	f.limits[limit.ID] = &limit
	return nil
}

func (f *fakeStore) DeleteActivityLimitsByClass(_ context.Context, classNameID, classPK int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, l := range f.limits {
		if l.ClassNameID == classNameID && l.ClassPK == classPK {
			delete(f.limits, id)
		}
	}
	return nil
}

func (f *fakeStore) DeleteActivityLimitsByUser(_ context.Context, userID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, l := range f.limits {
		if l.UserID == userID {
			delete(f.limits, id)
		}
	}
	return nil
}

func (f *fakeStore) IsActivityEnabled(_ context.Context, groupID, classNameID, classPK int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	enabled, ok := f.settings[settingKey{groupID: groupID, classNameID: classNameID, classPK: classPK}]
	return !ok || enabled, nil
}

func (f *fakeStore) DeleteActivitySettings(_ context.Context, classNameID, classPK int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for key := range f.settings {
		if key.classNameID == classNameID && key.classPK == classPK {
			delete(f.settings, key)
		}
	}
	return nil
}

package social

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"doclib/internal/lock"
	"doclib/internal/store"
)

// counterLockClass is the lock class guarding counter creation.
const counterLockClass = "social.ActivityCounter"

type dataStore interface {
	GetUser(ctx context.Context, id int64) (store.User, error)
	ClassNameID(ctx context.Context, value string) (int64, error)
	FetchAsset(ctx context.Context, classNameID, classPK int64) (*store.Asset, error)

	FetchActivityCounterByEndPeriod(ctx context.Context, groupID, classNameID, classPK int64, name string, ownerType, endPeriod int) (*store.ActivityCounter, error)
	FetchActivityCounterByStartPeriod(ctx context.Context, groupID, classNameID, classPK int64, name string, ownerType, startPeriod int) (*store.ActivityCounter, error)
	GetActivityCounter(ctx context.Context, id int64) (store.ActivityCounter, error)
	InsertActivityCounter(ctx context.Context, counter *store.ActivityCounter) error
	UpdateActivityCounter(ctx context.Context, counter store.ActivityCounter) error
	IncrementActivityCounter(ctx context.Context, id int64, delta int) (store.ActivityCounter, error)
	SetActivityCountersActive(ctx context.Context, classNameID, classPK int64, active bool) error
	DeleteActivityCountersByClass(ctx context.Context, classNameID, classPK int64) error
	SumActivityCountersByName(ctx context.Context, groupID int64, name string, startPeriod, endPeriod int) ([]store.ActivityCounter, error)
	SumActivityCountersByClass(ctx context.Context, groupID int64, name string, startPeriod, endPeriod int) ([]store.ActivityCounter, error)
	RankUsers(ctx context.Context, groupID, userClassNameID int64, names []string, offset, limit int) ([]int64, error)
	CountRankedUsers(ctx context.Context, groupID, userClassNameID int64, names []string) (int, error)
	ListLatestActivityCounters(ctx context.Context, groupID, classNameID int64, classPKs []int64, names []string) ([]store.ActivityCounter, error)

	FetchActivityLimit(ctx context.Context, groupID, userID, classNameID, classPK int64, activityType int, counterName string) (*store.ActivityLimit, error)
	InsertActivityLimit(ctx context.Context, limit *store.ActivityLimit) error
	UpdateActivityLimit(ctx context.Context, limit store.ActivityLimit) error
	DeleteActivityLimitsByClass(ctx context.Context, classNameID, classPK int64) error
	DeleteActivityLimitsByUser(ctx context.Context, userID int64) error

	IsActivityEnabled(ctx context.Context, groupID, classNameID, classPK int64) (bool, error)
	DeleteActivitySettings(ctx context.Context, classNameID, classPK int64) error
}

type locker interface {
	TryLock(ctx context.Context, className, key, owner string) (lock.Lock, error)
	UnlockOwner(ctx context.Context, className, key, owner string) error
}

type Options struct {
	// LockTimeout is how long a counter creation lock may be held before
	// another writer removes it.
	LockTimeout time.Duration
	RetryDelay  time.Duration
	// PeriodDays is the counter period length; 0 means calendar months.
	PeriodDays int
	CacheSize  int
	CacheTTL   time.Duration
	Workers    int
	QueueSize  int
}

type Service struct {
	store   dataStore
	locks   locker
	defs    *Definitions
	periods *Periods
	cache   *finderCache
	opts    Options
	now     func() time.Time

	queue  chan Activity
	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewService(dataStore dataStore, locks locker, defs *Definitions, opts Options) *Service {
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = 10 * time.Second
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 500 * time.Millisecond
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = time.Minute
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if defs == nil {
		defs = &Definitions{definitions: map[definitionKey]Definition{}}
	}
	return &Service{
		store:   dataStore,
		locks:   locks,
		defs:    defs,
		periods: NewPeriods(opts.PeriodDays),
		cache:   newFinderCache(opts.CacheSize, opts.CacheTTL),
		opts:    opts,
		now:     time.Now,
		queue:   make(chan Activity, opts.QueueSize),
	}
}

func (s *Service) Periods() *Periods {
	return s.periods
}

func (s *Service) Definitions() *Definitions {
	return s.defs
}

// AddActivityCounter creates a counter while holding the creation lock for
// its key. Writers that find the lock taken wait and retry; a lock older
// than the lock timeout is removed. The loop ends when ctx is done.
func (s *Service) AddActivityCounter(ctx context.Context, groupID, classNameID, classPK int64, name string, ownerType, currentValue, totalValue, startPeriod, endPeriod int, previousID int64, periodLength int) (store.ActivityCounter, error) {
	key := lockKey(groupID, classNameID, classPK, name)
	for {
		if err := ctx.Err(); err != nil {
			return store.ActivityCounter{}, err
		}

		l, err := s.locks.TryLock(ctx, counterLockClass, key, key)
		if err != nil {
			log.Printf("social: acquire counter lock %s, retrying: %v", key, err)
			if err := s.wait(ctx); err != nil {
				return store.ActivityCounter{}, err
			}
			continue
		}

		if l.New {
			counter, err := s.createActivityCounter(ctx, groupID, classNameID, classPK, name, ownerType,
				currentValue, totalValue, startPeriod, endPeriod, previousID, periodLength)
			if unlockErr := s.locks.UnlockOwner(context.WithoutCancel(ctx), counterLockClass, key, key); unlockErr != nil {
				log.Printf("social: release counter lock %s: %v", key, unlockErr)
			}
			return counter, err
		}

		if s.now().Sub(l.CreatedAt) >= s.opts.LockTimeout {
			if err := s.locks.UnlockOwner(ctx, counterLockClass, key, l.Owner); err != nil {
				log.Printf("social: remove stale counter lock %s: %v", key, err)
			} else {
				log.Printf("social: forcibly removed counter lock %s created at %s", key, l.CreatedAt.Format(time.RFC3339))
				counterLockForcedTotal.Inc()
			}
			continue
		}

		counterLockWaitsTotal.Inc()
		if err := s.wait(ctx); err != nil {
			return store.ActivityCounter{}, err
		}
	}
}

func (s *Service) wait(ctx context.Context) error {
	timer := time.NewTimer(s.opts.RetryDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// CreateActivityCounter closes the previous counter of a chain and returns
// the counter for (key, endPeriod), inserting it when missing.
func (s *Service) CreateActivityCounter(ctx context.Context, groupID, classNameID, classPK int64, name string, ownerType, currentValue, totalValue, startPeriod, endPeriod int, previousID int64, periodLength int) (store.ActivityCounter, error) {
	return s.createActivityCounter(ctx, groupID, classNameID, classPK, name, ownerType, currentValue, totalValue, startPeriod, endPeriod, previousID, periodLength)
}

func (s *Service) createActivityCounter(ctx context.Context, groupID, classNameID, classPK int64, name string, ownerType, currentValue, totalValue, startPeriod, endPeriod int, previousID int64, periodLength int) (store.ActivityCounter, error) {
	if previousID != 0 {
		previous, err := s.store.GetActivityCounter(ctx, previousID)
		if err != nil {
			return store.ActivityCounter{}, fmt.Errorf("load previous counter %d: %w", previousID, err)
		}
		if periodLength == PeriodLengthSystem {
			previous.EndPeriod = s.periods.StartPeriod() - 1
		} else {
			previous.EndPeriod = previous.StartPeriod + periodLength - 1
		}
		if err := s.store.UpdateActivityCounter(ctx, previous); err != nil {
			return store.ActivityCounter{}, err
		}
	}

	existing, err := s.store.FetchActivityCounterByEndPeriod(ctx, groupID, classNameID, classPK, name, ownerType, endPeriod)
	if err != nil {
		return store.ActivityCounter{}, err
	}
	if existing != nil {
		return *existing, nil
	}

	counter := store.ActivityCounter{
		GroupID:     groupID,
		ClassNameID: classNameID,
		ClassPK:     classPK,
		Name:        name,
		OwnerType:   ownerType,
		Current:     currentValue,
		Total:       totalValue,
		StartPeriod: startPeriod,
		EndPeriod:   endPeriod,
		Active:      true,
	}
	err = s.store.InsertActivityCounter(ctx, &counter)
	if errors.Is(err, store.ErrConflict) {
		existing, err := s.store.FetchActivityCounterByStartPeriod(ctx, groupID, classNameID, classPK, name, ownerType, startPeriod)
		if err != nil {
			return store.ActivityCounter{}, err
		}
		if existing == nil {
			return store.ActivityCounter{}, fmt.Errorf("counter %s for %d/%d vanished after conflict", name, classNameID, classPK)
		}
		return *existing, nil
	}
	if err != nil {
		return store.ActivityCounter{}, err
	}
	return counter, nil
}

// IncrementActivityCounter adds increment to the owner's latest counter,
// creating or rolling the counter over first when needed.
func (s *Service) IncrementActivityCounter(ctx context.Context, groupID, classNameID, classPK int64, name string, ownerType, increment, periodLength int) (store.ActivityCounter, error) {
	latest, err := s.FetchLatestActivityCounter(ctx, groupID, classNameID, classPK, name, ownerType)
	if err != nil {
		return store.ActivityCounter{}, err
	}

	startPeriod := s.periods.StartPeriod()
	if periodLength > 0 {
		startPeriod = s.periods.ActivityDay()
	}

	var counter store.ActivityCounter
	switch {
	case latest == nil:
		counter, err = s.AddActivityCounter(ctx, groupID, classNameID, classPK, name, ownerType,
			0, 0, startPeriod, EndPeriodUndefined, 0, periodLength)
	case !s.isActivePeriod(*latest, periodLength):
		rolled := s.periods.StartPeriod()
		if periodLength > 0 {
			rolled = AlignedStart(latest.StartPeriod, periodLength, s.periods.ActivityDay())
		}
		counter, err = s.AddActivityCounter(ctx, groupID, classNameID, classPK, name, ownerType,
			0, latest.Total, rolled, EndPeriodUndefined, latest.ID, periodLength)
	default:
		counter = *latest
	}
	if err != nil {
		return store.ActivityCounter{}, err
	}
	if increment == 0 {
		return counter, nil
	}
	return s.store.IncrementActivityCounter(ctx, counter.ID, increment)
}

func (s *Service) isActivePeriod(counter store.ActivityCounter, periodLength int) bool {
	if periodLength == PeriodLengthInfinite {
		return true
	}
	if periodLength != PeriodLengthSystem && counter.StartPeriod+periodLength > s.periods.ActivityDay() {
		return true
	}
	return counter.StartPeriod == s.periods.StartPeriod()
}

// AddActivityCounters updates every counter the activity's definition
// names.
func (s *Service) AddActivityCounters(ctx context.Context, activity Activity) error {
	classNameID, err := s.store.ClassNameID(ctx, activity.ClassName)
	if err != nil {
		return err
	}
	for _, classPK := range []int64{0, activity.ClassPK} {
		enabled, err := s.store.IsActivityEnabled(ctx, activity.GroupID, classNameID, classPK)
		if err != nil {
			return err
		}
		if !enabled {
			return nil
		}
	}

	def, ok := s.defs.Lookup(activity.ClassName, activity.Type)
	if !ok || !def.CountersEnabled() {
		return nil
	}

	user, err := s.store.GetUser(ctx, activity.UserID)
	if err != nil {
		return fmt.Errorf("load user %d: %w", activity.UserID, err)
	}

	if def.processor != nil {
		if err := def.processor.ProcessActivity(ctx, activity); err != nil {
			return fmt.Errorf("process activity %s/%d: %w", activity.ClassName, activity.Type, err)
		}
	}

	asset, err := s.store.FetchAsset(ctx, classNameID, activity.ClassPK)
	if err != nil {
		return err
	}
	if asset == nil {
		log.Printf("social: skip activity on missing asset %s/%d", activity.ClassName, activity.ClassPK)
		return nil
	}
	assetOwner, err := s.fetchUser(ctx, asset.UserID)
	if err != nil {
		return err
	}
	userClassNameID, err := s.store.ClassNameID(ctx, store.ClassUser)
	if err != nil {
		return err
	}

	updated := make(map[string]counterUpdate, len(def.Counters))
	for _, counterDef := range def.Counters {
		if !isAddActivityCounter(user, assetOwner, counterDef) {
			continue
		}
		allowed, err := s.CheckActivityLimit(ctx, user, activity, classNameID, counterDef)
		if err != nil {
			return err
		}
		if !allowed {
			continue
		}

		ownerClassNameID, ownerPK := userClassNameID, user.ID
		switch counterDef.OwnerType {
		case OwnerAsset:
			ownerClassNameID, ownerPK = classNameID, activity.ClassPK
		case OwnerCreator:
			ownerPK = assetOwner.ID
		}
		counter, err := s.IncrementActivityCounter(ctx, activity.GroupID, ownerClassNameID, ownerPK,
			counterDef.Name, counterDef.OwnerType, counterDef.Increment, counterDef.PeriodLength)
		if err != nil {
			return fmt.Errorf("increment %s: %w", counterDef.Name, err)
		}
		updated[counterDef.Name] = counterUpdate{counter: counter, increment: counterDef.Increment}
	}

	if !assetOwner.Default && assetOwner.Active {
		if _, err := s.IncrementActivityCounter(ctx, activity.GroupID, classNameID, activity.ClassPK,
			NameAssetActivities, OwnerAsset, 1, PeriodLengthSystem); err != nil {
			return fmt.Errorf("increment %s: %w", NameAssetActivities, err)
		}
	}
	if !user.Default && user.Active {
		if _, err := s.IncrementActivityCounter(ctx, activity.GroupID, userClassNameID, user.ID,
			NameUserActivities, OwnerActor, 1, PeriodLengthSystem); err != nil {
			return fmt.Errorf("increment %s: %w", NameUserActivities, err)
		}
	}

	for _, achievement := range def.Achievements {
		update, ok := updated[achievement.Counter]
		if !ok || !update.crossed(achievement.Threshold) {
			continue
		}
		winner := user.ID
		if update.counter.OwnerType != OwnerActor {
			winner = assetOwner.ID
		}
		if _, err := s.IncrementUserAchievementCounter(ctx, winner, activity.GroupID); err != nil {
			return fmt.Errorf("award %s: %w", achievement.Name, err)
		}
		log.Printf("social: user %d earned %s in group %d", winner, achievement.Name, activity.GroupID)
	}
	return nil
}

type counterUpdate struct {
	counter   store.ActivityCounter
	increment int
}

func (u counterUpdate) crossed(threshold int) bool {
	return threshold > 0 && u.counter.Total >= threshold && u.counter.Total-u.increment < threshold
}

func (s *Service) fetchUser(ctx context.Context, id int64) (store.User, error) {
	user, err := s.store.GetUser(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return store.User{ID: id, Default: true}, nil
	}
	if err != nil {
		return store.User{}, fmt.Errorf("load user %d: %w", id, err)
	}
	return user, nil
}

func isAddActivityCounter(user, assetOwner store.User, def CounterDefinition) bool {
	if (user.Default || !user.Active) && def.OwnerType != OwnerAsset {
		return false
	}
	if (assetOwner.Default || !assetOwner.Active) && def.OwnerType != OwnerActor {
		return false
	}
	if !def.Enabled() || def.Increment == 0 {
		return false
	}
	if user.ID == assetOwner.ID && (def.Name == NameContribution || def.Name == NamePopularity) {
		return false
	}
	return true
}

// CheckActivityLimit reports whether the user may still bump the counter
// for this activity and records the use when allowed.
func (s *Service) CheckActivityLimit(ctx context.Context, user store.User, activity Activity, classNameID int64, def CounterDefinition) (bool, error) {
	if def.LimitValue == 0 {
		return true, nil
	}
	classPK := activity.ClassPK
	if def.Name == NameParticipation {
		classPK = 0
	}

	limit, err := s.store.FetchActivityLimit(ctx, activity.GroupID, user.ID, classNameID, classPK, activity.Type, def.Name)
	if err != nil {
		return false, err
	}
	if limit == nil {
		created := store.ActivityLimit{
			GroupID:             activity.GroupID,
			UserID:              user.ID,
			ClassNameID:         classNameID,
			ClassPK:             classPK,
			ActivityType:        activity.Type,
			ActivityCounterName: def.Name,
		}
		err := s.store.InsertActivityLimit(ctx, &created)
		switch {
		case errors.Is(err, store.ErrConflict):
			limit, err = s.store.FetchActivityLimit(ctx, activity.GroupID, user.ID, classNameID, classPK, activity.Type, def.Name)
			if err != nil {
				return false, err
			}
			if limit == nil {
				return false, fmt.Errorf("activity limit for user %d vanished after conflict", user.ID)
			}
		case err != nil:
			return false, err
		default:
			limit = &created
		}
	}

	count := s.limitCount(*limit, def.LimitPeriod)
	if count >= def.LimitValue {
		return false, nil
	}
	limit.Marker = s.limitMarker(def.LimitPeriod)
	limit.Count = count + 1
	if err := s.store.UpdateActivityLimit(ctx, *limit); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Service) limitMarker(limitPeriod int) int {
	switch limitPeriod {
	case LimitPeriodDay:
		return s.periods.ActivityDay()
	case LimitPeriodPeriod:
		return s.periods.StartPeriod()
	default:
		return 0
	}
}

func (s *Service) limitCount(limit store.ActivityLimit, limitPeriod int) int {
	if limitPeriod == LimitPeriodLifetime || limit.Marker == s.limitMarker(limitPeriod) {
		return limit.Count
	}
	return 0
}

// IncrementUserAchievementCounter bumps the user's achievements counter.
func (s *Service) IncrementUserAchievementCounter(ctx context.Context, userID, groupID int64) (store.ActivityCounter, error) {
	userClassNameID, err := s.store.ClassNameID(ctx, store.ClassUser)
	if err != nil {
		return store.ActivityCounter{}, err
	}
	return s.IncrementActivityCounter(ctx, groupID, userClassNameID, userID, NameUserAchievements, OwnerActor, 1, PeriodLengthSystem)
}

func lockKey(groupID, classNameID, classPK int64, name string) string {
	return strconv.FormatInt(groupID, 16) + "#" + strconv.FormatInt(classNameID, 16) + "#" +
		strconv.FormatInt(classPK, 16) + "#" + name
}

package social

import (
	"context"
	"fmt"

	"doclib/internal/store"
)

func (s *Service) FetchActivityCounterByEndPeriod(ctx context.Context, groupID, classNameID, classPK int64, name string, ownerType, endPeriod int) (*store.ActivityCounter, error) {
	return s.store.FetchActivityCounterByEndPeriod(ctx, groupID, classNameID, classPK, name, ownerType, endPeriod)
}

func (s *Service) FetchActivityCounterByStartPeriod(ctx context.Context, groupID, classNameID, classPK int64, name string, ownerType, startPeriod int) (*store.ActivityCounter, error) {
	return s.store.FetchActivityCounterByStartPeriod(ctx, groupID, classNameID, classPK, name, ownerType, startPeriod)
}

// FetchLatestActivityCounter returns the open counter of a chain.
func (s *Service) FetchLatestActivityCounter(ctx context.Context, groupID, classNameID, classPK int64, name string, ownerType int) (*store.ActivityCounter, error) {
	return s.store.FetchActivityCounterByEndPeriod(ctx, groupID, classNameID, classPK, name, ownerType, EndPeriodUndefined)
}

// GetOffsetActivityCounters sums the named counters over the periods
// between two offsets from the current period.
func (s *Service) GetOffsetActivityCounters(ctx context.Context, groupID int64, name string, startOffset, endOffset int) ([]store.ActivityCounter, error) {
	return s.GetPeriodActivityCounters(ctx, groupID, name, s.periods.StartPeriodAt(startOffset), s.periods.EndPeriodAt(endOffset))
}

func (s *Service) GetOffsetDistributionActivityCounters(ctx context.Context, groupID int64, name string, startOffset, endOffset int) ([]store.ActivityCounter, error) {
	return s.GetPeriodDistributionActivityCounters(ctx, groupID, name, s.periods.StartPeriodAt(startOffset), s.periods.EndPeriodAt(endOffset))
}

// GetPeriodActivityCounters sums the named counters whose periods fall in
// [startPeriod, endPeriod]. An undefined end means the current period.
func (s *Service) GetPeriodActivityCounters(ctx context.Context, groupID int64, name string, startPeriod, endPeriod int) ([]store.ActivityCounter, error) {
	if endPeriod == EndPeriodUndefined {
		endPeriod = s.periods.EndPeriod()
	}
	key := fmt.Sprintf("name:%d:%s:%d:%d", groupID, name, startPeriod, endPeriod)
	return s.cached(key, func() ([]store.ActivityCounter, error) {
		return s.store.SumActivityCountersByName(ctx, groupID, name, startPeriod, endPeriod)
	})
}

// GetPeriodDistributionActivityCounters is GetPeriodActivityCounters split
// by the class of the counter owners.
func (s *Service) GetPeriodDistributionActivityCounters(ctx context.Context, groupID int64, name string, startPeriod, endPeriod int) ([]store.ActivityCounter, error) {
	if endPeriod == EndPeriodUndefined {
		endPeriod = s.periods.EndPeriod()
	}
	key := fmt.Sprintf("class:%d:%s:%d:%d", groupID, name, startPeriod, endPeriod)
	return s.cached(key, func() ([]store.ActivityCounter, error) {
		return s.store.SumActivityCountersByClass(ctx, groupID, name, startPeriod, endPeriod)
	})
}

func (s *Service) cached(key string, load func() ([]store.ActivityCounter, error)) ([]store.ActivityCounter, error) {
	if counters, ok := s.cache.Get(key); ok {
		return counters, nil
	}
	counters, err := load()
	if err != nil {
		return nil, err
	}
	s.cache.Set(key, counters)
	return counters, nil
}

// ClearCache drops every cached period query.
func (s *Service) ClearCache() {
	s.cache.Clear()
}

// UserCounters is one ranked user with the selected counters.
type UserCounters struct {
	UserID   int64                            `json:"userId"`
	Counters map[string]store.ActivityCounter `json:"counters"`
}

// GetUserActivityCounters ranks the group's users by the sum of the
// ranking counters and returns the selected counters of each.
func (s *Service) GetUserActivityCounters(ctx context.Context, groupID int64, rankingNames, selectedNames []string, offset, limit int) ([]UserCounters, error) {
	userClassNameID, err := s.store.ClassNameID(ctx, store.ClassUser)
	if err != nil {
		return nil, err
	}
	userIDs, err := s.store.RankUsers(ctx, groupID, userClassNameID, rankingNames, offset, limit)
	if err != nil {
		return nil, err
	}

	ranked := make([]UserCounters, 0, len(userIDs))
	byUser := make(map[int64]int, len(userIDs))
	for i, id := range userIDs {
		ranked = append(ranked, UserCounters{UserID: id, Counters: map[string]store.ActivityCounter{}})
		byUser[id] = i
	}
	if len(userIDs) == 0 || len(selectedNames) == 0 {
		return ranked, nil
	}

	counters, err := s.store.ListLatestActivityCounters(ctx, groupID, userClassNameID, userIDs, selectedNames)
	if err != nil {
		return nil, err
	}
	for _, counter := range counters {
		if i, ok := byUser[counter.ClassPK]; ok {
			ranked[i].Counters[counter.Name] = counter
		}
	}
	return ranked, nil
}

func (s *Service) GetUserActivityCountersCount(ctx context.Context, groupID int64, rankingNames []string) (int, error) {
	userClassNameID, err := s.store.ClassNameID(ctx, store.ClassUser)
	if err != nil {
		return 0, err
	}
	return s.store.CountRankedUsers(ctx, groupID, userClassNameID, rankingNames)
}

package social

import (
	"context"

	"doclib/internal/store"
)

// DeleteActivityCounters removes the counters of an asset or a user. Asset
// popularity is first taken off the owner's contribution.
func (s *Service) DeleteActivityCounters(ctx context.Context, className string, classPK int64) error {
	defer s.cache.Clear()

	classNameID, err := s.store.ClassNameID(ctx, className)
	if err != nil {
		return err
	}

	if className == store.ClassUser {
		if err := s.store.DeleteActivityCountersByClass(ctx, classNameID, classPK); err != nil {
			return err
		}
		return s.store.DeleteActivityLimitsByUser(ctx, classPK)
	}

	asset, err := s.store.FetchAsset(ctx, classNameID, classPK)
	if err != nil {
		return err
	}
	if asset != nil {
		if err := s.adjustUserContribution(ctx, *asset, false); err != nil {
			return err
		}
	}
	if err := s.store.DeleteActivityCountersByClass(ctx, classNameID, classPK); err != nil {
		return err
	}
	if err := s.store.DeleteActivityLimitsByClass(ctx, classNameID, classPK); err != nil {
		return err
	}
	return s.store.DeleteActivitySettings(ctx, classNameID, classPK)
}

func (s *Service) DisableActivityCounters(ctx context.Context, className string, classPK int64) error {
	return s.setActivityCountersActive(ctx, className, classPK, false)
}

func (s *Service) EnableActivityCounters(ctx context.Context, className string, classPK int64) error {
	return s.setActivityCountersActive(ctx, className, classPK, true)
}

func (s *Service) setActivityCountersActive(ctx context.Context, className string, classPK int64, active bool) error {
	defer s.cache.Clear()

	classNameID, err := s.store.ClassNameID(ctx, className)
	if err != nil {
		return err
	}
	if className != store.ClassUser {
		asset, err := s.store.FetchAsset(ctx, classNameID, classPK)
		if err != nil {
			return err
		}
		if asset == nil {
			return nil
		}
		if err := s.adjustUserContribution(ctx, *asset, active); err != nil {
			return err
		}
	}
	return s.store.SetActivityCountersActive(ctx, classNameID, classPK, active)
}

// adjustUserContribution adds (enable) or removes the asset's popularity
// from its owner's contribution counter.
func (s *Service) adjustUserContribution(ctx context.Context, asset store.Asset, enable bool) error {
	popularity, err := s.FetchLatestActivityCounter(ctx, asset.GroupID, asset.ClassNameID, asset.ClassPK, NamePopularity, OwnerAsset)
	if err != nil {
		return err
	}
	if popularity == nil || popularity.Active == enable {
		return nil
	}
	factor := -1
	if enable {
		factor = 1
	}

	userClassNameID, err := s.store.ClassNameID(ctx, store.ClassUser)
	if err != nil {
		return err
	}
	contribution, err := s.FetchLatestActivityCounter(ctx, asset.GroupID, userClassNameID, asset.UserID, NameContribution, OwnerCreator)
	if err != nil {
		return err
	}
	if contribution == nil {
		return nil
	}

	startPeriod := s.periods.StartPeriod()
	if contribution.StartPeriod != startPeriod {
		rolled, err := s.AddActivityCounter(ctx, asset.GroupID, userClassNameID, asset.UserID, NameContribution, OwnerCreator,
			0, contribution.Total, startPeriod, EndPeriodUndefined, contribution.ID, PeriodLengthSystem)
		if err != nil {
			return err
		}
		contribution = &rolled
	}

	if popularity.StartPeriod == startPeriod {
		contribution.Current += popularity.Current * factor
	}
	contribution.Total += popularity.Total * factor
	return s.store.UpdateActivityCounter(ctx, *contribution)
}

// Package social keeps per-period activity counters for users and assets.
// Counters are bumped asynchronously from activities emitted by the
// document library and ranked per group.
package social

import (
	"context"
	"time"
)

// Owner types of a counter.
const (
	OwnerActor   = 1
	OwnerAsset   = 2
	OwnerCreator = 3
)

const (
	// EndPeriodUndefined marks the latest counter of a chain.
	EndPeriodUndefined = -1

	// PeriodLengthSystem follows the configured system period.
	PeriodLengthSystem = 0
	// PeriodLengthInfinite never rolls over.
	PeriodLengthInfinite = -1
)

// Well known counter names.
const (
	NameAssetActivities  = "asset.activities"
	NameUserActivities   = "user.activities"
	NameUserAchievements = "user.achievements"
	NameContribution     = "contribution"
	NameParticipation    = "participation"
	NamePopularity       = "popularity"
)

// Limit periods of an activity limit.
const (
	LimitPeriodDay      = 1
	LimitPeriodLifetime = 2
	LimitPeriodPeriod   = 3
)

// Activity is one thing a user did to an asset.
type Activity struct {
	GroupID   int64     `json:"groupId"`
	UserID    int64     `json:"userId"`
	ClassName string    `json:"className"`
	ClassPK   int64     `json:"classPk"`
	Type      int       `json:"type"`
	CreatedAt time.Time `json:"createdAt"`
}

// CounterDefinition says which counter an activity bumps and by how much.
type CounterDefinition struct {
	Name         string `yaml:"name" json:"name"`
	OwnerType    int    `yaml:"-" json:"ownerType"`
	Owner        string `yaml:"owner" json:"-"`
	Increment    int    `yaml:"increment" json:"increment"`
	PeriodLength int    `yaml:"periodLength" json:"periodLength"`
	LimitValue   int    `yaml:"limit" json:"limit"`
	LimitPeriod  int    `yaml:"-" json:"limitPeriod"`
	Period       string `yaml:"limitPeriod" json:"-"`
	Disabled     bool   `yaml:"disabled" json:"disabled"`
}

func (d CounterDefinition) Enabled() bool {
	return !d.Disabled
}

// Processor runs custom logic for an activity before its counters move.
type Processor interface {
	ProcessActivity(ctx context.Context, activity Activity) error
}

// Achievement is awarded once a counter of the activity crosses Threshold.
type Achievement struct {
	Name      string `yaml:"name" json:"name"`
	Counter   string `yaml:"counter" json:"counter"`
	Threshold int    `yaml:"threshold" json:"threshold"`
}

// Definition describes how an activity type of a model is counted.
type Definition struct {
	Model        string              `yaml:"model" json:"model"`
	Type         int                 `yaml:"type" json:"type"`
	Key          string              `yaml:"key" json:"key"`
	Counters     []CounterDefinition `yaml:"counters" json:"counters"`
	Achievements []Achievement       `yaml:"achievements" json:"achievements"`
	// CountersDisabled turns every counter of the activity off.
	CountersDisabled bool `yaml:"countersDisabled" json:"countersDisabled"`

	processor Processor
}

func (d Definition) CountersEnabled() bool {
	return !d.CountersDisabled
}

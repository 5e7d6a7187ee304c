package capa

import "slices"

type NCStatus string

const (
	NCOpen        NCStatus = "OUVERTE"
	NCInTreatment NCStatus = "TRAITEMENT"
	NCResolved    NCStatus = "RESOLUE"
	NCClosed      NCStatus = "CLOTUREE"
)

// Forward-only; any state may jump straight to closure.
var ncTransitions = map[NCStatus][]NCStatus{
	NCOpen:        {NCInTreatment, NCClosed},
	NCInTreatment: {NCResolved, NCClosed},
	NCResolved:    {NCClosed},
	NCClosed:      nil,
}

func (s NCStatus) Valid() bool {
	_, ok := ncTransitions[s]
	return ok
}

func (s NCStatus) CanTransitionTo(to NCStatus) bool {
	return slices.Contains(ncTransitions[s], to)
}

type ActionStatus string

const (
	ActionPlanned    ActionStatus = "PLANIFIEE"
	ActionInProgress ActionStatus = "EN_COURS"
	ActionDone       ActionStatus = "REALISEE"
	ActionCancelled  ActionStatus = "ANNULEE"
)

var actionTransitions = map[ActionStatus][]ActionStatus{
	ActionPlanned:    {ActionInProgress, ActionDone, ActionCancelled},
	ActionInProgress: {ActionDone, ActionCancelled},
	ActionDone:       nil,
	ActionCancelled:  nil,
}

func (s ActionStatus) Valid() bool {
	_, ok := actionTransitions[s]
	return ok
}

func (s ActionStatus) CanTransitionTo(to ActionStatus) bool {
	return slices.Contains(actionTransitions[s], to)
}

// Terminal reports whether no further transition is possible.
func (s ActionStatus) Terminal() bool {
	return s == ActionDone || s == ActionCancelled
}

// Completable reports whether bulk completion may move the action to ActionDone.
func (s ActionStatus) Completable() bool {
	return s == ActionPlanned || s == ActionInProgress
}

type PlanStatus string

const (
	PlanOpen   PlanStatus = "EN_COURS"
	PlanClosed PlanStatus = "CLOTUREE"
)

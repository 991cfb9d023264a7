package app

import "github.com/dkeye/Huddle/internal/domain"

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	DropMessage
	KickMember
)

func (a BackpressureAction) String() string {
	switch a {
	case DropMessage:
		return "drop"
	case KickMember:
		return "kick"
	}
	return "none"
}

// Policy decides what happens when a connection's send queue is full.
type Policy interface {
	OnBackPressure(conn domain.ConnectionID) BackpressureAction
}

// SimplePolicy kicks slow consumers; the disconnect path then cleans up
// their membership.
type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(domain.ConnectionID) BackpressureAction {
	return KickMember
}

// Package domain contains entities without transport, just meta-data and validation.
package domain

import (
	"errors"
	"strings"
)

const (
	MaxDisplayNameLen = 36
	MaxRoomIDLen      = 64
)

var (
	ErrNameEmpty     = errors.New("display name empty")
	ErrNameTooLong   = errors.New("display name too long")
	ErrRoomIDEmpty   = errors.New("room id empty")
	ErrRoomIDTooLong = errors.New("room id too long")
)

// ConnectionID is assigned by the signaling channel at connect time.
// It is unique for the lifetime of one connection and never reused.
type ConnectionID string

type Member struct {
	ID          ConnectionID `json:"id"`
	DisplayName string       `json:"name"`
}

func NewMember(id ConnectionID, displayName string) (Member, error) {
	name, err := NormalizeDisplayName(displayName)
	if err != nil {
		return Member{}, err
	}
	return Member{ID: id, DisplayName: name}, nil
}

func NormalizeDisplayName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if len(name) == 0 {
		return "", ErrNameEmpty
	}
	if len(name) > MaxDisplayNameLen {
		return "", ErrNameTooLong
	}
	return name, nil
}

package model

import "strings"

// PegState is the hysteresis band an instrument currently sits in
type PegState string

const (
	PegStable   PegState = "STABLE"
	PegAlert    PegState = "ALERT"
	PegDepegged PegState = "DEPEGGED"
)

// Valid reports whether s is a known peg state
func (s PegState) Valid() bool {
	switch s {
	case PegStable, PegAlert, PegDepegged:
		return true
	}
	return false
}

// Classification describes what kind of entity owns a tracked account
type Classification string

const (
	ClassExchange Classification = "EXCHANGE"
	ClassTreasury Classification = "TREASURY"
	ClassWhale    Classification = "WHALE"
	ClassBridge   Classification = "BRIDGE"
	ClassUnknown  Classification = "UNKNOWN"
)

// Valid reports whether c is a known classification
func (c Classification) Valid() bool {
	switch c {
	case ClassExchange, ClassTreasury, ClassWhale, ClassBridge, ClassUnknown:
		return true
	}
	return false
}

// ParseClassification maps free text onto a classification, falling back to UNKNOWN
func ParseClassification(s string) Classification {
	c := Classification(strings.ToUpper(strings.TrimSpace(s)))
	if c.Valid() {
		return c
	}
	return ClassUnknown
}

// Direction of a transfer relative to the tracked account
type Direction string

const (
	DirectionIn       Direction = "IN"
	DirectionOut      Direction = "OUT"
	DirectionTransfer Direction = "TRANSFER"
)

// Valid reports whether d is a known direction
func (d Direction) Valid() bool {
	switch d {
	case DirectionIn, DirectionOut, DirectionTransfer:
		return true
	}
	return false
}

// Category groups alerts by the stream that produced them
type Category string

const (
	CategoryPeg    Category = "PEG"
	CategoryWhale  Category = "WHALE"
	CategorySystem Category = "SYSTEM"
)

// Valid reports whether c is a known category
func (c Category) Valid() bool {
	switch c {
	case CategoryPeg, CategoryWhale, CategorySystem:
		return true
	}
	return false
}

// AlertKind narrows a category to the event that raised the alert
type AlertKind string

const (
	KindDepeg    AlertKind = "DEPEG"
	KindRecovery AlertKind = "RECOVERY"
	KindWhale    AlertKind = "WHALE"
	KindDigest   AlertKind = "DIGEST"
	KindError    AlertKind = "ERROR"
)

// Severity represents alert severity
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Valid reports whether s is a known severity
func (s Severity) Valid() bool {
	switch s {
	case SeverityInfo, SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// Rank orders severities; INFO ranks below LOW
func (s Severity) Rank() int {
	switch s {
	case SeverityInfo:
		return 0
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return -1
}

package domain

import "time"

// Robot is a logical agent with its own working-memory view and shared
// access to long-term nodes.
type Robot struct {
	ID         string
	Name       string
	LastActive time.Time
}

// RobotNode joins a Robot to a Node it has remembered.
type RobotNode struct {
	RobotID           string
	NodeID            string
	FirstRememberedAt time.Time
	LastRememberedAt  time.Time
	RememberCount     int
	WorkingMemory     bool
}

// AddResult is returned by LongTermMemory.Add.
type AddResult struct {
	NodeID    string
	IsNew     bool
	RobotNode RobotNode
}

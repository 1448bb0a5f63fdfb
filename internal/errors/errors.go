// internal/errors/errors.go
package appErrors

import "fmt"

// ErrJobNotFound is a sentinel error
type ErrJobNotFound struct {
	JobID int64
}

func (e *ErrJobNotFound) Error() string {
	return fmt.Sprintf("job with ID %d not found", e.JobID)
}

// Helper constructor
func NewJobNotFound(id int64) error {
	return &ErrJobNotFound{JobID: id}
}

// ErrInvalidTransition reports an attempt to move a job out of a terminal
// state it already reached. Re-marking the same terminal state is not an
// error; crossing between terminal states is.
type ErrInvalidTransition struct {
	JobID int64
	From  string
	To    string
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("job %d is already %s, cannot mark it %s", e.JobID, e.From, e.To)
}

func NewInvalidTransition(id int64, from, to string) error {
	return &ErrInvalidTransition{JobID: id, From: from, To: to}
}

// ErrCampaignNotFound is a sentinel error
type ErrCampaignNotFound struct {
	CampaignID string
}

func (e *ErrCampaignNotFound) Error() string {
	return fmt.Sprintf("campaign with ID %s not found", e.CampaignID)
}

// Helper constructor
func NewCampaignNotFound(id string) error {
	return &ErrCampaignNotFound{CampaignID: id}
}

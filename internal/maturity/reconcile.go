package maturity

import (
	"errors"
	"strings"
	"time"
)

var (
	ErrAlreadyVerified  = errors.New("verification already completed")
	ErrVerifierRequired = errors.New("verifier is required")
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusVerified Status = "verified"
)

// Overlay is the administrator's edited copy of a survey's answers.
type Overlay struct {
	Answers    Answers
	IsVerified bool
	VerifiedBy *string
	VerifiedAt *time.Time
}

func (o *Overlay) Status() Status {
	if o == nil || !o.IsVerified {
		return StatusPending
	}
	return StatusVerified
}

// Verify moves a pending overlay to verified. The verifier identity is
// always supplied by the caller.
func (o *Overlay) Verify(verifier string, at time.Time) error {
	if o.IsVerified {
		return ErrAlreadyVerified
	}
	verifier = strings.TrimSpace(verifier)
	if verifier == "" {
		return ErrVerifierRequired
	}
	o.IsVerified = true
	o.VerifiedBy = &verifier
	o.VerifiedAt = &at
	return nil
}

// Edit replaces the overlay answers. Verified overlays are frozen until the
// self-assessment is resubmitted.
func (o *Overlay) Edit(answers Answers) error {
	if o.IsVerified {
		return ErrAlreadyVerified
	}
	o.Answers = answers
	return nil
}

type Assessment struct {
	Summary
	Level Level  `json:"maturity_level"`
	Color string `json:"maturity_color"`
}

func Assess(answers Answers) Assessment {
	s := Score(answers)
	lvl := Classify(s.TotalScore)
	return Assessment{Summary: s, Level: lvl, Color: lvl.Color()}
}

type Reconciliation struct {
	Status         Status      `json:"status"`
	SelfAssessment Assessment  `json:"self_assessment"`
	Verification   *Assessment `json:"verification"`
	VerifiedBy     *string     `json:"verified_by,omitempty"`
	VerifiedAt     *time.Time  `json:"verified_at,omitempty"`
}

// Reconcile scores both answer sets independently. Verification stays nil
// until the overlay has been verified, so "not verified yet" never reads as
// a zero score.
func Reconcile(self Answers, overlay *Overlay) Reconciliation {
	out := Reconciliation{
		Status:         overlay.Status(),
		SelfAssessment: Assess(self),
	}
	if out.Status == StatusVerified {
		v := Assess(overlay.Answers)
		out.Verification = &v
		out.VerifiedBy = overlay.VerifiedBy
		out.VerifiedAt = overlay.VerifiedAt
	}
	return out
}

// Effective is the assessment reports should headline: the verified one when
// present, otherwise the self-assessment.
func (r Reconciliation) Effective() Assessment {
	if r.Verification != nil {
		return *r.Verification
	}
	return r.SelfAssessment
}

// Package partition derives the storage key that correlates one run's
// artifacts across the document, figure and panel stores.
package partition

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// DateLayout is the fixed-width calendar-date token used in storage paths.
const DateLayout = "01_02_2006"

// Key addresses every artifact of one (subscriber, topic, day) run.
// Two derivations with the same inputs on the same calendar day are
// byte-identical, so later stages can locate earlier stages' artifacts
// without explicit job identifiers.
type Key struct {
	Email string `json:"email"`
	Topic string `json:"topic"`
	Date  string `json:"date"`
}

type keyInput struct {
	Email string `validate:"required,email"`
	Topic string `validate:"required,min=1"`
}

// Derive computes the partition key for the calendar day of now.
// Malformed input is rejected here, before any stage executes.
func Derive(email, topic string, now time.Time) (Key, error) {
	validate := validator.New()
	if err := validate.Struct(keyInput{Email: email, Topic: topic}); err != nil {
		return Key{}, fmt.Errorf("invalid partition input: %w", err)
	}

	return Key{
		Email: email,
		Topic: topic,
		Date:  now.Format(DateLayout),
	}, nil
}

// At builds a key for an explicit date token, used when a caller re-runs
// a single stage against artifacts produced on an earlier day.
func At(email, topic, date string) (Key, error) {
	validate := validator.New()
	if err := validate.Struct(keyInput{Email: email, Topic: topic}); err != nil {
		return Key{}, fmt.Errorf("invalid partition input: %w", err)
	}
	if _, err := time.Parse(DateLayout, date); err != nil {
		return Key{}, fmt.Errorf("invalid partition date %q: %w", date, err)
	}

	return Key{Email: email, Topic: topic, Date: date}, nil
}

// Prefix returns the storage path shared by all of the run's artifacts.
func (k Key) Prefix() string {
	return fmt.Sprintf("%s/%s/%s", k.Email, k.Topic, k.Date)
}

func (k Key) String() string {
	return k.Prefix()
}

package models

import (
	"strings"

	"github.com/ajitpratap0/hubsync/pkg/errors"
)

const (
	// SourceManual marks hand-written SFT conversations
	SourceManual = "manual"
	// SourceDPO marks hand-written preference pairs
	SourceDPO = "dpo"
)

// Message is one entry of an SFT conversation
type Message struct {
	From  string `json:"from"`
	Value string `json:"value"`
}

// Turn is one human prompt and the response written for it
type Turn struct {
	Human string `json:"human"`
	GPT   string `json:"gpt"`
}

// SFTExample is the input shape of a supervised fine-tuning conversation
type SFTExample struct {
	System string `json:"system"`
	Turns  []Turn `json:"turns"`
}

// DPOExample is the input shape of a preference pair
type DPOExample struct {
	System   string   `json:"system"`
	Question string   `json:"question"`
	Chosen   string   `json:"chosen"`
	Rejected []string `json:"rejected"`
}

// Validate requires a system prompt and at least one fully written turn
func (e SFTExample) Validate() error {
	if strings.TrimSpace(e.System) == "" {
		return errors.New(errors.ErrorTypeInvalidRecord, "system prompt is empty")
	}
	if len(e.Turns) == 0 {
		return errors.New(errors.ErrorTypeInvalidRecord, "conversation needs at least one turn")
	}
	for i, t := range e.Turns {
		if strings.TrimSpace(t.Human) == "" || strings.TrimSpace(t.GPT) == "" {
			return errors.New(errors.ErrorTypeInvalidRecord, "turn is incomplete").WithDetail("turn", i)
		}
	}
	return nil
}

// Record converts the example into the conversations layout
func (e SFTExample) Record() (*Record, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return NewSFTRecord(e.System, e.Turns), nil
}

// Validate requires every text field and at least one rejected answer
func (e DPOExample) Validate() error {
	switch {
	case strings.TrimSpace(e.System) == "":
		return errors.New(errors.ErrorTypeInvalidRecord, "system prompt is empty")
	case strings.TrimSpace(e.Question) == "":
		return errors.New(errors.ErrorTypeInvalidRecord, "question is empty")
	case strings.TrimSpace(e.Chosen) == "":
		return errors.New(errors.ErrorTypeInvalidRecord, "chosen answer is empty")
	case len(e.Rejected) == 0:
		return errors.New(errors.ErrorTypeInvalidRecord, "at least one rejected answer is required")
	}
	for i, r := range e.Rejected {
		if strings.TrimSpace(r) == "" {
			return errors.New(errors.ErrorTypeInvalidRecord, "rejected answer is empty").WithDetail("index", i)
		}
	}
	return nil
}

// Record converts the example into the preference pair layout
func (e DPOExample) Record() (*Record, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return NewDPORecord(e.System, e.Question, e.Chosen, e.Rejected), nil
}

// NewSFTRecord builds a conversation record: the system prompt followed by
// alternating human and gpt messages.
func NewSFTRecord(system string, turns []Turn) *Record {
	conversation := make([]Message, 0, 1+2*len(turns))
	conversation = append(conversation, Message{From: "system", Value: system})
	for _, t := range turns {
		conversation = append(conversation,
			Message{From: "human", Value: t.Human},
			Message{From: "gpt", Value: t.GPT},
		)
	}

	return NewRecord().
		Set("conversations", conversation).
		Set("source", SourceManual)
}

// NewDPORecord builds a preference pair record
func NewDPORecord(system, question, chosen string, rejected []string) *Record {
	r := make([]string, len(rejected))
	copy(r, rejected)

	return NewRecord().
		Set("system", system).
		Set("question", question).
		Set("chosen", chosen).
		Set("rejected", r).
		Set("source", SourceDPO)
}

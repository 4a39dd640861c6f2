// Package protocol defines the framed JSON protocol spoken between the
// client and the external ferrite-runner process over stdio.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType represents the type of message in the protocol.
type MessageType string

const (
	// MessageTypeReady indicates the runner is ready to receive commands
	MessageTypeReady MessageType = "READY"
	// MessageTypeCommand indicates a command from the client
	MessageTypeCommand MessageType = "CMD"
	// MessageTypeEvent indicates a progress event from the runner
	MessageTypeEvent MessageType = "EVENT"
	// MessageTypeDone indicates successful completion
	MessageTypeDone MessageType = "DONE"
	// MessageTypeError indicates an error occurred
	MessageTypeError MessageType = "ERROR"
	// MessageTypeExit indicates the runner is exiting
	MessageTypeExit MessageType = "EXIT"
)

// CommandType represents the type of command to execute.
type CommandType string

const (
	// CommandTypeSource runs a package's source stage script
	CommandTypeSource CommandType = "stage.source"
	// CommandTypeBuild runs a package's build stage script
	CommandTypeBuild CommandType = "stage.build"
	// CommandTypePackage runs a package's package stage script
	CommandTypePackage CommandType = "stage.package"
)

// Error codes carried by ErrorMessage.
const (
	// ErrorCodeInvalidCommand marks a command the runner could not parse
	// or dispatch.
	ErrorCodeInvalidCommand = "INVALID_COMMAND"
	// ErrorCodeStageFailed marks a stage the runner could not execute.
	// Script exit codes are not errors; they travel in StageResult.
	ErrorCodeStageFailed = "STAGE_FAILED"
	// ErrorCodeTimeout marks a stage killed by its deadline.
	ErrorCodeTimeout = "TIMEOUT"
)

// Message is the base message structure for all protocol messages.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ReadyMessage is sent when the runner is ready to receive commands.
// Capabilities cover the supported stage commands plus "tool.<name>"
// entries for build tools found on the runner's PATH.
type ReadyMessage struct {
	Version  string            `json:"version"`
	Platform string            `json:"platform"`
	Arch     string            `json:"arch"`
	PID      int               `json:"pid"`
	Caps     map[string]bool   `json:"capabilities"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// CommandMessage contains a command to execute.
type CommandMessage struct {
	ID      string          `json:"id"`
	Type    CommandType     `json:"type"`
	Timeout int             `json:"timeout"` // seconds
	Params  json.RawMessage `json:"params"`
}

// EventMessage carries one line of script output or a runner progress
// note while a command executes.
type EventMessage struct {
	CommandID string            `json:"command_id"`
	Level     string            `json:"level"` // info, warn, debug
	Message   string            `json:"message"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// DoneMessage indicates command completion.
type DoneMessage struct {
	CommandID string          `json:"command_id"`
	Result    json.RawMessage `json:"result"`
	Duration  float64         `json:"duration"` // seconds
}

// ErrorMessage indicates an error occurred.
type ErrorMessage struct {
	CommandID string            `json:"command_id,omitempty"`
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	Details   map[string]string `json:"details,omitempty"`
	Retryable bool              `json:"retryable"`
}

// ExitMessage is sent before the runner terminates.
type ExitMessage struct {
	Reason        string `json:"reason"`
	ExitCode      int    `json:"exit_code"`
	CommandsTotal int    `json:"commands_total"`
}

// StageParams contains parameters for running one lifecycle stage script.
type StageParams struct {
	// Ref is the package reference the stage runs for.
	Ref string `json:"ref"`

	// Fingerprint is the binary fingerprint being produced.
	Fingerprint string `json:"fingerprint,omitempty"`

	// Script is the shell command line to execute.
	Script string `json:"script"`

	// Shell overrides the interpreter, defaults to /bin/sh.
	Shell string `json:"shell,omitempty"`

	RecipeDir  string `json:"recipe_dir,omitempty"`
	SourceDir  string `json:"source_dir,omitempty"`
	BuildDir   string `json:"build_dir,omitempty"`
	PackageDir string `json:"package_dir,omitempty"`

	// Env is extra environment for the script, applied after the
	// generated FERRITE_* variables.
	Env map[string]string `json:"env,omitempty"`

	// Settings and Options are exported to the script as
	// FERRITE_SETTING_* and FERRITE_OPTION_* variables.
	Settings map[string]string `json:"settings,omitempty"`
	Options  map[string]string `json:"options,omitempty"`

	// WantInfo asks the runner to collect the package info JSON the
	// script writes to $FERRITE_INFO_FILE.
	WantInfo bool `json:"want_info,omitempty"`
}

// StageResult contains the result of a stage script run.
type StageResult struct {
	Stage    string  `json:"stage"`
	ExitCode int     `json:"exit_code"`
	Duration float64 `json:"duration"` // seconds

	// Stdout and Stderr hold the tail of the captured streams; full
	// output is streamed line by line as EVENT messages.
	Stdout string `json:"stdout,omitempty"`
	Stderr string `json:"stderr,omitempty"`

	// Info is the package info JSON collected from $FERRITE_INFO_FILE,
	// present only when the command asked for it and the script wrote it.
	Info json.RawMessage `json:"info,omitempty"`
}

// Validate checks if the message type is valid.
func (mt MessageType) Validate() error {
	switch mt {
	case MessageTypeReady, MessageTypeCommand, MessageTypeEvent,
		MessageTypeDone, MessageTypeError, MessageTypeExit:
		return nil
	default:
		return fmt.Errorf("invalid message type: %s", mt)
	}
}

// Validate checks if the command type is valid.
func (ct CommandType) Validate() error {
	switch ct {
	case CommandTypeSource, CommandTypeBuild, CommandTypePackage:
		return nil
	default:
		return fmt.Errorf("invalid command type: %s", ct)
	}
}

// Stage returns the lifecycle stage a command type runs, or "" for
// non-stage commands.
func (ct CommandType) Stage() string {
	switch ct {
	case CommandTypeSource:
		return "source"
	case CommandTypeBuild:
		return "build"
	case CommandTypePackage:
		return "package"
	default:
		return ""
	}
}

// Validate checks if the command message is valid.
func (cmd *CommandMessage) Validate() error {
	if cmd.ID == "" {
		return fmt.Errorf("command ID is required")
	}
	if err := cmd.Type.Validate(); err != nil {
		return err
	}
	if cmd.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if len(cmd.Params) == 0 {
		return fmt.Errorf("command params are required")
	}
	return nil
}

// Validate checks if the event message is valid.
func (evt *EventMessage) Validate() error {
	if evt.CommandID == "" {
		return fmt.Errorf("command ID is required")
	}
	if evt.Level == "" {
		evt.Level = "info"
	}
	validLevels := map[string]bool{"info": true, "warn": true, "debug": true}
	if !validLevels[evt.Level] {
		return fmt.Errorf("invalid event level: %s", evt.Level)
	}
	return nil
}

package process

import (
	"syscall"
	"time"
)

const (
	DefaultSIGINTGrace  = 5 * time.Second
	DefaultSIGTERMGrace = 3 * time.Second
)

type KillSequenceConfig struct {
	SIGINTGrace  time.Duration
	SIGTERMGrace time.Duration
}

func DefaultKillSequenceConfig() KillSequenceConfig {
	return KillSequenceConfig{
		SIGINTGrace:  DefaultSIGINTGrace,
		SIGTERMGrace: DefaultSIGTERMGrace,
	}
}

type KillResult struct {
	SentSIGINT  bool
	SentSIGTERM bool
	SentSIGKILL bool
	ExitedAfter string
	Duration    time.Duration
}

// signaler is the part of a process group the kill sequence drives.
type signaler interface {
	Signal(sig syscall.Signal) error
	Kill() error
}

type KillSequence struct {
	config KillSequenceConfig
}

func NewKillSequence(cfg KillSequenceConfig) *KillSequence {
	return &KillSequence{config: normalizeKillSequenceConfig(cfg)}
}

func normalizeKillSequenceConfig(cfg KillSequenceConfig) KillSequenceConfig {
	if cfg.SIGINTGrace <= 0 {
		cfg.SIGINTGrace = DefaultSIGINTGrace
	}
	if cfg.SIGTERMGrace <= 0 {
		cfg.SIGTERMGrace = DefaultSIGTERMGrace
	}
	return cfg
}

// Execute escalates SIGINT, SIGTERM, SIGKILL against group until waitDone
// closes. skipInterrupt starts at SIGTERM; tooling processes that are not the
// user's application have no graceful interrupt handling worth waiting for.
func (k *KillSequence) Execute(group signaler, waitDone <-chan struct{}, skipInterrupt bool) KillResult {
	startTime := time.Now()
	result := KillResult{}

	if !skipInterrupt && k.try(group, syscall.SIGINT, k.config.SIGINTGrace, waitDone, &result) {
		return k.finish(result, startTime)
	}

	if k.try(group, syscall.SIGTERM, k.config.SIGTERMGrace, waitDone, &result) {
		return k.finish(result, startTime)
	}

	if group != nil {
		_ = group.Kill()
	}
	result.SentSIGKILL = true
	result.ExitedAfter = "SIGKILL"
	return k.finish(result, startTime)
}

func (k *KillSequence) try(group signaler, sig syscall.Signal, grace time.Duration, waitDone <-chan struct{}, result *KillResult) bool {
	if group != nil {
		_ = group.Signal(sig)
	}

	name := "SIGTERM"
	if sig == syscall.SIGINT {
		name = "SIGINT"
		result.SentSIGINT = true
	} else {
		result.SentSIGTERM = true
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-waitDone:
		result.ExitedAfter = name
		return true
	case <-timer.C:
		return false
	}
}

func (k *KillSequence) finish(result KillResult, startTime time.Time) KillResult {
	result.Duration = time.Since(startTime)
	return result
}

func (k *KillSequence) TotalGrace() time.Duration {
	return k.config.SIGINTGrace + k.config.SIGTERMGrace
}

package hlogkv

import "errors"

var (
	// ErrConfiguration is returned by New when required Functions or log
	// settings are missing or inconsistent.
	ErrConfiguration = errors.New("hlogkv: invalid configuration")

	// ErrRecordTooLarge surfaces hlog.ErrRecordTooLarge at the engine
	// boundary: a single record cannot fit within one log page.
	ErrRecordTooLarge = errors.New("hlogkv: record exceeds one log page")

	// ErrRecovery wraps any failure encountered while replaying a checkpoint
	// in Store.Recover.
	ErrRecovery = errors.New("hlogkv: recovery failed")

	// ErrNoCheckpointManager is returned by the Take*Checkpoint/Recover
	// family when no CheckpointManager was configured.
	ErrNoCheckpointManager = errors.New("hlogkv: no checkpoint manager configured")

	// ErrUnknownSession is returned by ContinueSession when the supplied
	// GUID has no recovered commit point.
	ErrUnknownSession = errors.New("hlogkv: unknown session guid")

	// ErrClosed is returned by StartSession and ContinueSession after Dispose.
	ErrClosed = errors.New("hlogkv: store has been disposed")
)

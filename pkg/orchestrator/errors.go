package orchestrator

import "errors"


var (
	
	ErrEmptyTranscription = errors.New("transcription returned empty text")

	
	ErrTranscriptionFailed = errors.New("speech-to-text transcription failed")

	
	ErrLLMFailed = errors.New("language model generation failed")

	
	ErrTTSFailed = errors.New("text-to-speech synthesis failed")

	
	ErrNilProvider = errors.New("required provider is nil")


	ErrContextCancelled = errors.New("operation cancelled by context")


	ErrInvalidStateTransition = errors.New("invalid pipeline state transition")


	ErrWakeWordDisabled = errors.New("wake word detection disabled")


	ErrToolNotFound = errors.New("tool not registered")


	ErrToolRoundLimit = errors.New("tool call round limit exceeded")

	// ErrLLMBusy is returned by an injected turn that could not take the
	// LLM mutex within its allotted wait.
	ErrLLMBusy = errors.New("llm busy with another turn")
)

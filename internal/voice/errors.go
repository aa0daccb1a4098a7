package voice

import "errors"

var (
	// ErrNotInitialized means the engine credentials or config are missing.
	ErrNotInitialized         = errors.New("engine not initialized")
	ErrSessionNotFound        = errors.New("session not found")
	ErrSessionInactive        = errors.New("session inactive")
	ErrUnsupportedLanguage    = errors.New("unsupported language")
	ErrUnsupportedAudioFormat = errors.New("unsupported audio format")
	ErrEngineCanceled         = errors.New("engine canceled")
	ErrGenerationFailure      = errors.New("generation failed")
	ErrAudioBackpressure      = errors.New("audio queue full")
)

// ErrorCode maps a pipeline error onto the wire code surfaced to clients.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotInitialized):
		return "NOT_INITIALIZED"
	case errors.Is(err, ErrSessionNotFound):
		return "SESSION_NOT_FOUND"
	case errors.Is(err, ErrSessionInactive):
		return "SESSION_INACTIVE"
	case errors.Is(err, ErrUnsupportedLanguage):
		return "UNSUPPORTED_LANGUAGE"
	case errors.Is(err, ErrUnsupportedAudioFormat):
		return "UNSUPPORTED_AUDIO_FORMAT"
	case errors.Is(err, ErrEngineCanceled):
		return "ENGINE_CANCELED"
	case errors.Is(err, ErrGenerationFailure):
		return "GENERATION_FAILURE"
	case errors.Is(err, ErrAudioBackpressure):
		return "AUDIO_BACKPRESSURE"
	default:
		return "INTERNAL"
	}
}

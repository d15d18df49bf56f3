package audio

// Drain reads from ch until the channel is closed, discarding all values.
// Use it to release a provider goroutine whose output is no longer wanted
// (e.g., the audio channel of an interrupted TTS stream).
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}

// Package audio holds the pure audio transforms of a recording turn: frame
// merging, linear-interpolation resampling and PCM16 WAV encoding/decoding.
package audio

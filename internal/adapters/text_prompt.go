// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package adapters

import (
	"fmt"
	"strings"

	"github.com/infinitune/infinitune/internal/model"
)

const songMetadataJSONSchema = `{"title":"","artistName":"","genre":"","subGenre":"","lyrics":"","caption":"","coverPrompt":"","bpm":0,"keyScale":"","timeSignature":"","audioDuration":0,"vocalStyle":"","mood":"","energy":"","era":"","instruments":[],"tags":[],"themes":[],"language":"","description":""}`

func systemPromptForDistance(d model.PromptDistance) string {
	base := "You are a songwriting assistant. Respond with a single JSON object matching this shape exactly, no prose: " + songMetadataJSONSchema
	switch d {
	case model.DistanceFaithful:
		return base + " Stay as close as possible to the requested vibe; do not introduce unrelated genres or themes."
	case model.DistanceGeneral:
		return base + " Feel free to explore a loosely related direction for variety, while staying musically coherent."
	default:
		return base + " Stay close to the requested vibe, with light creative variation."
	}
}

func buildUserPrompt(params TextParams) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Vibe: %s\n", params.Prompt)
	if params.Language != "" {
		fmt.Fprintf(&b, "Language: %s\n", params.Language)
	}
	if params.BPM > 0 {
		fmt.Fprintf(&b, "Target BPM: %d\n", params.BPM)
	}
	if params.KeyScale != "" {
		fmt.Fprintf(&b, "Target key: %s\n", params.KeyScale)
	}
	if params.TimeSignature != "" {
		fmt.Fprintf(&b, "Time signature: %s\n", params.TimeSignature)
	}
	if params.DurationSec > 0 {
		fmt.Fprintf(&b, "Target duration seconds: %.0f\n", params.DurationSec)
	}
	if len(params.RecentSongs) > 0 {
		b.WriteString("Avoid repeating these recent songs:\n")
		for _, s := range params.RecentSongs {
			fmt.Fprintf(&b, "- %s by %s (%s)\n", s.Title, s.ArtistName, s.Genre)
		}
	}
	if len(params.RecentDescriptions) > 0 {
		b.WriteString("Recent descriptions for diversity context:\n")
		for _, d := range params.RecentDescriptions {
			fmt.Fprintf(&b, "- %s\n", d)
		}
	}
	if params.IsInterrupt {
		b.WriteString("This is a listener interrupt request; honor it faithfully.\n")
	}
	return b.String()
}

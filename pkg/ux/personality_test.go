// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ux

import (
	"os"
	"testing"
)

func TestParsePersonalityLevel(t *testing.T) {
	tests := []struct {
		input string
		want  PersonalityLevel
	}{
		{"full", PersonalityFull},
		{"FULL", PersonalityFull},
		{"minimal", PersonalityMinimal},
		{"m", PersonalityMinimal},
		{"machine", PersonalityMachine},
		{" quiet ", PersonalityMachine},
		{"", PersonalityFull},
		{"nonsense", PersonalityFull},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := ParsePersonalityLevel(tt.input); got != tt.want {
				t.Errorf("ParsePersonalityLevel(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestSetGetPersonality(t *testing.T) {
	original := GetPersonality()
	defer SetPersonality(original)

	SetPersonality(PersonalityMinimal)
	if got := GetPersonality(); got != PersonalityMinimal {
		t.Errorf("GetPersonality() = %q, want minimal", got)
	}
}

func TestInitPersonality_EnvOverride(t *testing.T) {
	original := GetPersonality()
	defer SetPersonality(original)

	t.Setenv("METALKS_PERSONALITY", "machine")
	InitPersonality()
	if got := GetPersonality(); got != PersonalityMachine {
		t.Errorf("GetPersonality() = %q, want machine", got)
	}
}

func TestIsTerminal_NotATTY(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "out")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	if IsTerminal(f) {
		t.Error("regular file reported as terminal")
	}
	if IsTerminal(nil) {
		t.Error("nil file reported as terminal")
	}
}

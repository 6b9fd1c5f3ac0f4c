// SPDX-FileCopyrightText: 2026 The spyglass developers
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"testing"

	"github.com/spyglass-browser/spyglass/ipc"
)

func TestBuildGet(t *testing.T) {
	tests := []struct {
		rawURL  string
		payload ipc.GetPayload
		invalid bool
	}{
		{
			rawURL: "gemini://example.org/",
			payload: ipc.GetPayload{
				Proto:       ipc.Gemini,
				Scheme:      "gemini",
				Host:        "example.org",
				Port:        "1965",
				RequestLine: "gemini://example.org/",
			},
		},
		{
			// A bare host defaults to Gemini.
			rawURL: "example.org",
			payload: ipc.GetPayload{
				Proto:       ipc.Gemini,
				Scheme:      "gemini",
				Host:        "example.org",
				Port:        "1965",
				RequestLine: "gemini://example.org",
			},
		},
		{
			rawURL: "gemini://example.org:1966/foo",
			payload: ipc.GetPayload{
				Proto:       ipc.Gemini,
				Scheme:      "gemini",
				Host:        "example.org",
				Port:        "1966",
				RequestLine: "gemini://example.org:1966/foo",
			},
		},
		{
			// The leading path element is the gopher item type and not
			// part of the selector.
			rawURL: "gopher://example.org/1phlog",
			payload: ipc.GetPayload{
				Proto:       ipc.Gopher,
				Scheme:      "gopher",
				Host:        "example.org",
				Port:        "70",
				RequestLine: "phlog",
			},
		},
		{
			rawURL: "gopher://example.org/",
			payload: ipc.GetPayload{
				Proto:       ipc.Gopher,
				Scheme:      "gopher",
				Host:        "example.org",
				Port:        "70",
				RequestLine: "",
			},
		},
		{
			rawURL: "finger://alice@example.org",
			payload: ipc.GetPayload{
				Proto:       ipc.Finger,
				Scheme:      "finger",
				Host:        "example.org",
				Port:        "79",
				RequestLine: "alice",
			},
		},
		{
			rawURL: "finger://example.org/bob",
			payload: ipc.GetPayload{
				Proto:       ipc.Finger,
				Scheme:      "finger",
				Host:        "example.org",
				Port:        "79",
				RequestLine: "bob",
			},
		},
		{rawURL: "https://example.org/", invalid: true},
		{rawURL: "gemini:///nohost", invalid: true},
	}

	for _, test := range tests {
		payload, err := buildGet(test.rawURL)
		if test.invalid {
			if err == nil {
				t.Errorf("%q was accepted as %+v", test.rawURL, payload)
			}
			continue
		}

		if err != nil {
			t.Errorf("%q errored: %v", test.rawURL, err)
		} else if payload != test.payload {
			t.Errorf("%q became %+v instead of %+v", test.rawURL, payload, test.payload)
		}
	}
}

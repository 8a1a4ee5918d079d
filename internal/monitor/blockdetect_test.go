package monitor

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHeuristicBlockDetector(t *testing.T) {
	t.Parallel()

	det := NewHeuristicBlockDetector(nil, nil, []string{"#challenge-form"})

	tests := []struct {
		name    string
		status  int
		body    string
		blocked bool
	}{
		{
			name:   "plain product page",
			status: 200,
			body:   `<html><body><span class="price">$19.99</span></body></html>`,
		},
		{name: "forbidden", status: 403, body: "", blocked: true},
		{name: "rate limited", status: 429, body: "", blocked: true},
		{
			name:    "captcha on a 200",
			status:  200,
			body:    `<html><body>Please solve this CAPTCHA to continue</body></html>`,
			blocked: true,
		},
		{
			name:    "challenge selector",
			status:  200,
			body:    `<html><body><form id="challenge-form"></form></body></html>`,
			blocked: true,
		},
		{name: "server error is not a block", status: 503, body: "upstream unavailable"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.blocked, det.Blocked(tc.status, []byte(tc.body)))
		})
	}
}

func TestHeuristicBlockDetectorCustomConfig(t *testing.T) {
	t.Parallel()

	det := NewHeuristicBlockDetector([]int{451}, []string{"rate limited"}, nil)

	require.True(t, det.Blocked(451, nil))
	require.True(t, det.Blocked(200, []byte("You have been RATE LIMITED")))
	require.False(t, det.Blocked(403, []byte("forbidden")), "default codes replaced")
}

func TestNilDetectorNeverBlocks(t *testing.T) {
	t.Parallel()

	var det *HeuristicBlockDetector
	require.False(t, det.Blocked(403, []byte("captcha")))
}

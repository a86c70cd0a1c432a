package planner

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCustomCron(t *testing.T) {
	tests := []struct {
		days    []string
		clock   string
		want    string
		wantErr bool
	}{
		{days: []string{"wednesday", "Monday"}, clock: "09:05", want: "5 9 * * mon,wed"},
		{days: []string{"sun", "sat", "sun"}, clock: "23:59", want: "59 23 * * sun,sat"},
		{days: []string{"fri"}, clock: "00:00", want: "0 0 * * fri"},
		{days: nil, clock: "09:00", wantErr: true},
		{days: []string{"mon"}, clock: "9am", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			got, err := CustomCron(tt.days, tt.clock)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDayCron(t *testing.T) {
	expr := DayCron(time.Wednesday, 14, 30)
	assert.Equal(t, "30 14 * * 3", expr)
	assert.NoError(t, ValidateCron(expr))
}

func TestParseClock(t *testing.T) {
	h, m, err := ParseClock(" 7:45 ")
	require.NoError(t, err)
	assert.Equal(t, 7, h)
	assert.Equal(t, 45, m)

	_, _, err = ParseClock("12:60")
	assert.Error(t, err)
}

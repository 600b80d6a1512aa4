package robot

import "testing"

func TestDirection_Flip(t *testing.T) {
	tests := []struct {
		dir  Direction
		flip bool
		want Direction
	}{
		{Forward, false, Forward},
		{Forward, true, Reverse},
		{Reverse, false, Reverse},
		{Reverse, true, Forward},
	}
	for _, tt := range tests {
		if got := tt.dir.Flip(tt.flip); got != tt.want {
			t.Errorf("%v.Flip(%v) = %v, want %v", tt.dir, tt.flip, got, tt.want)
		}
	}
	if Reverse.Power() != -1 || Forward.Power() != 1 {
		t.Errorf("Power() = %v/%v, want 1/-1", Forward.Power(), Reverse.Power())
	}
}

func TestRobotID(t *testing.T) {
	tests := map[string]string{
		"garage-main.abc123.viam.cloud": "garage-main",
		"192-168-1-20":                  "192-168-1-20",
		"  shed.local ":                 "shed",
	}
	for in, want := range tests {
		if got := RobotID(in); got != want {
			t.Errorf("RobotID(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestDisplayName(t *testing.T) {
	tests := map[string]string{
		"garage-main.abc123.viam.cloud": "garage",
		"garage-main.viam.cloud":        "garage",
		"shed.local":                    "shed.local",
		"barn-main":                     "barn",
	}
	for in, want := range tests {
		if got := DisplayName(in); got != want {
			t.Errorf("DisplayName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSensorNames(t *testing.T) {
	resources := []Resource{
		{Kind: KindMotor, Name: "door"},
		{Kind: KindSensor, Name: "temp"},
		{Kind: KindSensor, Name: "humidity"},
	}
	got := SensorNames(resources)
	if len(got) != 2 || got[0] != "temp" || got[1] != "humidity" {
		t.Errorf("SensorNames() = %v, want [temp humidity]", got)
	}
}

func TestReadings_Clone(t *testing.T) {
	orig := Readings{"a": 1.0}
	clone := orig.Clone()
	clone["a"] = 2.0
	if orig["a"] != 1.0 {
		t.Error("Clone() shares storage with the original")
	}
	if Readings(nil).Clone() != nil {
		t.Error("Clone() of nil should be nil")
	}
}

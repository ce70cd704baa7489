package types

import "testing"

func TestIsMonotone(t *testing.T) {
	tests := []struct {
		name string
		typ  RequestType
		from Stage
		to   Stage
		want bool
	}{
		{"put forward", RequestPUT, PutStart, PutBuilding, true},
		{"put skip", RequestPUT, PutStart, PutPending, false},
		{"put backward", RequestPUT, PutPending, PutStart, false},
		{"put same", RequestPUT, Putting, Putting, false},
		{"migrate shares put track", RequestMIGRATE, Verifying, PutTidy, true},
		{"get forward", RequestGET, GetUnpacking, GetRestore, true},
		{"get onto put track", RequestGET, GetStart, PutBuilding, false},
		{"delete forward", RequestDELETE, Deleting, DeleteTidy, true},
		{"failed from anywhere", RequestPUT, Putting, Failed, true},
		{"failed completion", RequestGET, Failed, FailedCompleted, true},
		{"no exit from failed-completed", RequestPUT, FailedCompleted, Failed, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsMonotone(tt.typ, tt.from, tt.to); got != tt.want {
				t.Errorf("IsMonotone(%s, %s, %s) = %v, want %v", tt.typ, tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestStageNameRoundTrip(t *testing.T) {
	for stage, name := range stageNames {
		got, ok := StageByName(name)
		if !ok {
			t.Errorf("StageByName(%q) not found", name)
			continue
		}
		if got != stage {
			t.Errorf("StageByName(%q) = %v, want %v", name, got, stage)
		}
	}
	if _, ok := StageByName("NOT_A_STAGE"); ok {
		t.Error("StageByName accepted an unknown name")
	}
}

func TestQuotaExceeded(t *testing.T) {
	q := &StorageQuota{TotalBytes: 10, UsedBytes: 9}
	if q.Exceeded() {
		t.Error("quota with headroom reported exceeded")
	}
	q.UsedBytes = 10
	if !q.Exceeded() {
		t.Error("full quota not reported exceeded")
	}
}

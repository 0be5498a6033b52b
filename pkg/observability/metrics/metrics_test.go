package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegister_Idempotent(t *testing.T) {
	Register()
	Register()
}

func TestCommandsTotal_Labels(t *testing.T) {
	before := testutil.ToFloat64(CommandsTotal.WithLabelValues("Put", "ok"))
	CommandsTotal.WithLabelValues("Put", "ok").Inc()
	if got := testutil.ToFloat64(CommandsTotal.WithLabelValues("Put", "ok")); got != before+1 {
		t.Fatalf("commands_total = %v, want %v", got, before+1)
	}
}

package anvil

import (
	"time"

	"github.com/foxcpp/postfixcore/framework/log"
)

// StartReporting logs DumpStats's high-water marks every interval
// until stop is closed, mirroring anvil_status_update's recurring
// event_request_timer(anvil_status_update, ..., var_anvil_stat_time).
func (t *Table) StartReporting(interval time.Duration, l log.Logger, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				t.logHighWater(l)
			case <-stop:
				t.logHighWater(l)
				return
			}
		}
	}()
}

func (t *Table) logHighWater(l log.Logger) {
	hw := t.DumpStats()
	if hw.MaxRate > 1 {
		l.Msg("statistics: max connection rate", "rate", hw.MaxRate,
			"window", t.Window, "ident", hw.MaxRateUser, "at", hw.MaxRateTime)
	}
	if hw.MaxCount > 1 {
		l.Msg("statistics: max connection count", "count", hw.MaxCount,
			"ident", hw.MaxCountUser, "at", hw.MaxCountTime)
	}
}

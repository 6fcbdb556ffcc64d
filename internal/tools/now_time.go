package tools

import (
	"context"
	"time"

	"github.com/nugget/warden/internal/schema"
)

// NowTimeFormat is ISO-8601 with seconds precision and a numeric zone.
const NowTimeFormat = "2006-01-02T15:04:05-07:00"

// NowTime reports the current local time.
type NowTime struct {
	now func() time.Time
}

// NewNowTime creates the now_time tool.
func NewNowTime() *NowTime { return &NowTime{now: time.Now} }

func (*NowTime) Name() string { return "now_time" }

func (*NowTime) Description() string {
	return "Return the current local time string in ISO-8601 format with timezone."
}

func (*NowTime) Parameters() *schema.Schema { return schema.Object() }

func (t *NowTime) Execute(context.Context, map[string]any) (string, error) {
	return t.now().Local().Format(NowTimeFormat), nil
}

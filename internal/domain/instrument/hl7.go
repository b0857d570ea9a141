package instrument

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/lims/lims/internal/domain/reconcile"
	"github.com/lims/lims/internal/platform/hl7v2"
	"github.com/lims/lims/internal/platform/tenant"
	"github.com/lims/lims/internal/store"
)

// HL7Bridge feeds ORU^R01 messages received over MLLP into the
// reconciliation gateway. The receiving facility (MSH-6) names the tenant.
type HL7Bridge struct {
	gateway *reconcile.Gateway
	tenants store.TenantDirectory
	logger  zerolog.Logger
}

func NewHL7Bridge(gw *reconcile.Gateway, tenants store.TenantDirectory, logger zerolog.Logger) *HL7Bridge {
	return &HL7Bridge{gateway: gw, tenants: tenants, logger: logger.With().Str("component", "hl7").Logger()}
}

// Handle reconciles every final observation in msg and acknowledges with
// AA when all of them were attached, AE otherwise.
func (b *HL7Bridge) Handle(ctx context.Context, msg *hl7v2.Message) *hl7v2.Message {
	code := strings.TrimSpace(msg.ReceivingFac)
	if code == "" {
		return hl7v2.GenerateACK(msg, hl7v2.AckReject, "MSH-6 receiving facility is required")
	}
	t, err := b.tenants.ByCode(ctx, code)
	if err != nil || !t.Active {
		return hl7v2.GenerateACK(msg, hl7v2.AckReject, fmt.Sprintf("unknown facility %s", code))
	}
	actor := "hl7"
	if msg.SendingApp != "" {
		actor = "hl7:" + msg.SendingApp
	}
	scope, err := tenant.NewScope(t.ID, t.Code, actor)
	if err != nil {
		return hl7v2.GenerateACK(msg, hl7v2.AckReject, err.Error())
	}
	ctx = tenant.WithScope(ctx, scope)

	obs, err := hl7v2.ExtractObservations(msg)
	if err != nil {
		return hl7v2.GenerateACK(msg, hl7v2.AckReject, err.Error())
	}

	var problems []string
	for _, o := range obs {
		if !o.Final() {
			continue
		}
		p := reconcile.Payload{
			Barcode:    o.Barcode,
			TestCode:   o.TestCode,
			SubOrderID: o.SubOrderID,
			Value:      o.Value,
			Unit:       o.Unit,
		}
		if !o.ObservedAt.IsZero() {
			at := o.ObservedAt
			p.CompletedAt = &at
		}
		if _, err := b.gateway.Reconcile(ctx, p); err != nil {
			problems = append(problems, fmt.Sprintf("%s/%s: %v", o.Barcode, o.TestCode, err))
		}
	}
	if len(problems) > 0 {
		b.logger.Warn().
			Str("tenant", t.Code).
			Str("control_id", msg.ControlID).
			Strs("problems", problems).
			Msg("ORU observations not reconciled")
		return hl7v2.GenerateACK(msg, hl7v2.AckError, strings.Join(problems, "; "))
	}
	return hl7v2.GenerateACK(msg, hl7v2.AckAccept, "")
}

package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"perp-core-bot/internal/alerts"
	"perp-core-bot/internal/config"
	"perp-core-bot/internal/strategy"

	"go.uber.org/zap"
)

const (
	operatorCursorKey   = "operator:cursor"
	operatorAuditPrefix = "operator:audit:"
)

// operatorAccess decides which Telegram messages may drive the bot: only the
// configured chat, and only the allow-listed users when a list is set.
type operatorAccess struct {
	chatID int64
	users  map[int64]bool
}

func newOperatorAccess(cfg config.TelegramConfig) (operatorAccess, error) {
	chatID, err := strconv.ParseInt(strings.TrimSpace(cfg.ChatID), 10, 64)
	if err != nil {
		return operatorAccess{}, fmt.Errorf("chat_id: %w", err)
	}
	access := operatorAccess{chatID: chatID, users: make(map[int64]bool)}
	for _, id := range cfg.OperatorAllowedUserIDs {
		access.users[id] = true
	}
	return access, nil
}

func (o operatorAccess) permits(msg *alerts.Message) bool {
	if msg == nil || msg.Chat == nil || msg.From == nil || msg.Chat.ID != o.chatID {
		return false
	}
	return len(o.users) == 0 || o.users[msg.From.ID]
}

type operatorMeta struct {
	UpdateID int64
	UserID   int64
	Username string
	ChatID   int64
	Raw      string
}

// operatorAudit is one persisted operator action.
type operatorAudit struct {
	At          time.Time          `json:"at"`
	Action      string             `json:"action"`
	Text        string             `json:"text"`
	UpdateID    int64              `json:"update_id"`
	UserID      int64              `json:"user_id"`
	Username    string             `json:"username,omitempty"`
	ChatID      int64              `json:"chat_id"`
	StateBefore string             `json:"state_before,omitempty"`
	StateAfter  string             `json:"state_after,omitempty"`
	ModeBefore  string             `json:"mode_before,omitempty"`
	ModeAfter   string             `json:"mode_after,omitempty"`
	RiskBefore  *config.RiskConfig `json:"risk_before,omitempty"`
	RiskAfter   *config.RiskConfig `json:"risk_after,omitempty"`
}

// runOperator long-polls Telegram for commands until ctx is done.
func (a *App) runOperator(ctx context.Context) error {
	if a.cfg == nil || !a.alerts.Enabled() {
		return nil
	}
	access, err := newOperatorAccess(a.cfg.Telegram)
	if err != nil {
		a.log.Warn("operator disabled", zap.Error(err))
		return nil
	}
	wait := a.cfg.Telegram.OperatorPollInterval
	if wait <= 0 {
		wait = 3 * time.Second
	}
	cursor := a.operatorCursor(ctx)
	for ctx.Err() == nil {
		updates, err := a.alerts.GetUpdates(ctx, cursor, wait)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			a.operatorDown(err)
			sleepCtx(ctx, wait)
			continue
		}
		a.operatorUp()
		for _, upd := range updates {
			if upd.UpdateID >= cursor {
				cursor = upd.UpdateID + 1
				a.storeOperatorCursor(ctx, cursor)
			}
			a.handleOperatorUpdate(ctx, upd, access)
		}
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (a *App) handleOperatorUpdate(ctx context.Context, upd alerts.Update, access operatorAccess) {
	msg := upd.Message
	if !access.permits(msg) {
		return
	}
	cmd, args, ok := parseOperatorCommand(msg.Text)
	if !ok {
		return
	}
	reply, err := a.handleOperatorCommand(ctx, cmd, args, operatorMeta{
		UpdateID: upd.UpdateID,
		UserID:   msg.From.ID,
		Username: msg.From.Username,
		ChatID:   msg.Chat.ID,
		Raw:      msg.Text,
	})
	if err != nil {
		reply = "command failed: " + err.Error()
	}
	if reply == "" {
		return
	}
	if err := a.alerts.Send(ctx, reply); err != nil {
		a.log.Warn("operator reply failed", zap.String("command", cmd), zap.Error(err))
	}
}

// parseOperatorCommand splits "/cmd@bot a b" into ("cmd", [a b]).
func parseOperatorCommand(text string) (string, []string, bool) {
	fields := strings.Fields(text)
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return "", nil, false
	}
	name, _, _ := strings.Cut(fields[0][1:], "@")
	if name == "" {
		return "", nil, false
	}
	return strings.ToLower(name), fields[1:], true
}

func (a *App) handleOperatorCommand(ctx context.Context, cmd string, args []string, meta operatorMeta) (string, error) {
	switch cmd {
	case "status":
		return a.operatorStatus(), nil
	case "pause":
		return a.applyLifecycle(ctx, meta, strategy.EventPause), nil
	case "resume":
		return a.applyLifecycle(ctx, meta, strategy.EventResume), nil
	case "risk":
		return a.handleRiskCommand(ctx, args, meta)
	default:
		return operatorHelpText(), nil
	}
}

// applyLifecycle feeds a pause or resume event to the lifecycle and audits
// the outcome, including no-ops.
func (a *App) applyLifecycle(ctx context.Context, meta operatorMeta, ev strategy.Event) string {
	before := a.lifecycle.State()
	after := a.lifecycle.Apply(ev)
	action, want := "pause", strategy.StatePaused
	if ev == strategy.EventResume {
		action, want = "resume", strategy.StateRunning
	}
	a.audit(ctx, meta, operatorAudit{
		Action:      action,
		StateBefore: string(before),
		StateAfter:  string(after),
	})
	switch {
	case before == want && action == "pause":
		return "trading already paused"
	case before == want:
		return "trading already active"
	case after == want && action == "pause":
		return "trading paused"
	case after == want:
		return "trading resumed"
	case after == strategy.StateHalted:
		return fmt.Sprintf("cannot %s while %s: use /risk reset", action, after)
	default:
		return fmt.Sprintf("cannot %s while %s", action, after)
	}
}

func (a *App) handleRiskCommand(ctx context.Context, args []string, meta operatorMeta) (string, error) {
	sub := "show"
	if len(args) > 0 {
		sub = strings.ToLower(args[0])
	}
	switch sub {
	case "show":
		return a.riskStatus(), nil
	case "reset":
		gateBefore, gateAfter := a.gate.State(), a.gate.Reset()
		lifeBefore := a.lifecycle.State()
		lifeAfter := a.lifecycle.Apply(strategy.EventReset)
		override := a.swapRiskOverride(nil)
		a.audit(ctx, meta, operatorAudit{
			Action:      "risk_reset",
			StateBefore: string(lifeBefore),
			StateAfter:  string(lifeAfter),
			ModeBefore:  string(gateBefore.Mode),
			ModeAfter:   string(gateAfter.Mode),
			RiskBefore:  override,
		})
		return fmt.Sprintf("risk reset: %s -> %s, peak re-anchors on the next cycle", gateBefore.Mode, gateAfter.Mode), nil
	case "set":
		next, err := applyRiskSettings(a.riskConfig(), args[1:])
		if err != nil {
			return "", err
		}
		var override *config.RiskConfig
		if next != a.cfg.Risk {
			override = &next
		}
		before := a.swapRiskOverride(override)
		a.audit(ctx, meta, operatorAudit{
			Action:     "risk_set",
			RiskBefore: before,
			RiskAfter:  override,
		})
		return "risk override updated", nil
	default:
		return "", errors.New("usage: /risk show|set|reset")
	}
}

// riskKnobs are the guard limits the operator may change at runtime.
var riskKnobs = map[string]func(r *config.RiskConfig, val string) error{
	"max_notional_usd": func(r *config.RiskConfig, val string) (err error) {
		r.MaxNotionalUSD, err = strconv.ParseFloat(val, 64)
		return err
	},
	"max_open_orders": func(r *config.RiskConfig, val string) (err error) {
		r.MaxOpenOrders, err = strconv.Atoi(val)
		return err
	},
	"max_market_age": func(r *config.RiskConfig, val string) (err error) {
		r.MaxMarketAge, err = time.ParseDuration(val)
		return err
	},
	"max_account_age": func(r *config.RiskConfig, val string) (err error) {
		r.MaxAccountAge, err = time.ParseDuration(val)
		return err
	},
}

// applyRiskSettings applies "key=value" args on top of base and validates
// the result the same way the config file is validated.
func applyRiskSettings(base config.RiskConfig, args []string) (config.RiskConfig, error) {
	if len(args) == 0 {
		return base, errors.New("usage: /risk set key=value ...")
	}
	next := base
	for _, arg := range args {
		key, val, ok := strings.Cut(arg, "=")
		key = strings.ToLower(strings.TrimSpace(key))
		if !ok || key == "" || strings.TrimSpace(val) == "" {
			return base, fmt.Errorf("malformed setting %q", arg)
		}
		set, known := riskKnobs[key]
		if !known {
			return base, fmt.Errorf("unknown risk key %q", key)
		}
		if err := set(&next, strings.TrimSpace(val)); err != nil {
			return base, fmt.Errorf("%s: %w", key, err)
		}
	}
	if err := config.ValidateRisk(next); err != nil {
		return base, err
	}
	return next, nil
}

func (a *App) operatorStatus() string {
	if a.cfg == nil {
		return "status unavailable"
	}
	rs := a.gate.State()
	pos := a.tracker.Snapshot()
	last := a.lastCycleSnapshot()

	var b strings.Builder
	fmt.Fprintf(&b, "strategy: %s %s\n", a.engine.Kind(), a.engine.Asset())
	fmt.Fprintf(&b, "state: %s\n", a.lifecycle.State())
	fmt.Fprintf(&b, "risk_mode: %s (%s)\n", rs.Mode, rs.Reason)
	fmt.Fprintf(&b, "drawdown: %.2f%% peak %.2f equity %.2f\n", rs.DrawdownPct*100, rs.PeakEquity, rs.Equity)
	fmt.Fprintf(&b, "position: %.6f avg %.4f upnl %.4f rpnl %.4f\n", pos.Size, pos.AvgEntryPrice, pos.UnrealizedPnL, pos.RealizedPnL)
	fmt.Fprintf(&b, "pending: %d (net %.6f)\n", a.pending.Len(), a.pending.NetSize())
	fmt.Fprintf(&b, "kill_switch: %t\n", a.killSwitchEngaged())
	fmt.Fprintf(&b, "risk_override_active: %t\n", a.riskOverrideActive())
	if last.UpdatedAtMS == 0 {
		b.WriteString("last_cycle: n/a")
		return b.String()
	}
	fmt.Fprintf(&b, "last_cycle: %s\n", time.UnixMilli(last.UpdatedAtMS).UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "last_plan: hedge=%s intents=%d submitted=%d cancel_all=%t reason=%s",
		last.HedgeAction, last.Intents, last.Submitted, last.CancelAll, last.PlanReason)
	if last.SkipReason != "" {
		fmt.Fprintf(&b, "\nlast_skip: %s", last.SkipReason)
	}
	return b.String()
}

func describeGuards(r config.RiskConfig) string {
	return fmt.Sprintf("max_notional_usd=%.2f max_open_orders=%d max_market_age=%s max_account_age=%s",
		r.MaxNotionalUSD, r.MaxOpenOrders, r.MaxMarketAge, r.MaxAccountAge)
}

func (a *App) riskStatus() string {
	rs := a.gate.State()
	lines := []string{
		fmt.Sprintf("risk gate: mode=%s drawdown=%.4f soft=%.4f hard=%.4f since=%s",
			rs.Mode, rs.DrawdownPct, a.cfg.Core.SoftDrawdownPct, a.cfg.Core.HardDrawdownPct,
			rs.Since.UTC().Format(time.RFC3339)),
		"risk effective: " + describeGuards(a.riskConfig()),
		"risk override: none",
	}
	if override := a.riskOverrideSnapshot(); override != nil {
		lines[2] = "risk override: " + describeGuards(*override)
	}
	return strings.Join(lines, "\n")
}

func operatorHelpText() string {
	return `commands:
/status - bot, risk and position summary
/pause - stop placing new orders
/resume - resume placing orders
/risk show - risk gate and guard limits
/risk set key=value ... - override guard limits (max_notional_usd, max_open_orders, max_market_age, max_account_age)
/risk reset - leave HALT and drop guard overrides`
}

func (a *App) riskOverrideActive() bool {
	return a.riskOverrideSnapshot() != nil
}

func (a *App) riskOverrideSnapshot() *config.RiskConfig {
	a.opsMu.RLock()
	defer a.opsMu.RUnlock()
	if a.riskOverride == nil {
		return nil
	}
	cp := *a.riskOverride
	return &cp
}

// swapRiskOverride installs next (nil clears) and returns the previous one.
func (a *App) swapRiskOverride(next *config.RiskConfig) *config.RiskConfig {
	a.opsMu.Lock()
	defer a.opsMu.Unlock()
	prev := a.riskOverride
	a.riskOverride = next
	return prev
}

// operatorDown logs the first failure of an outage only.
func (a *App) operatorDown(err error) {
	a.opsMu.Lock()
	first := !a.operatorWarned
	a.operatorWarned = true
	a.opsMu.Unlock()
	if first {
		a.log.Warn("telegram operator unreachable", zap.Error(err))
	}
}

func (a *App) operatorUp() {
	a.opsMu.Lock()
	was := a.operatorWarned
	a.operatorWarned = false
	a.opsMu.Unlock()
	if was {
		a.log.Info("telegram operator reachable again")
	}
}

func (a *App) operatorCursor(ctx context.Context) int64 {
	if a.store == nil {
		return 0
	}
	raw, ok, err := a.store.Get(ctx, operatorCursorKey)
	if err != nil || !ok {
		return 0
	}
	cursor, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || cursor < 0 {
		return 0
	}
	return cursor
}

func (a *App) storeOperatorCursor(ctx context.Context, cursor int64) {
	if a.store == nil {
		return
	}
	if err := a.store.Set(ctx, operatorCursorKey, strconv.FormatInt(cursor, 10)); err != nil {
		a.log.Debug("operator cursor save failed", zap.Error(err))
	}
}

func (a *App) audit(ctx context.Context, meta operatorMeta, rec operatorAudit) {
	if a.store == nil {
		return
	}
	rec.At = a.now().UTC()
	rec.Text = meta.Raw
	rec.UpdateID = meta.UpdateID
	rec.UserID = meta.UserID
	rec.Username = meta.Username
	rec.ChatID = meta.ChatID
	payload, err := json.Marshal(rec)
	if err != nil {
		return
	}
	key := fmt.Sprintf("%s%d:%d:%s", operatorAuditPrefix, rec.At.UnixNano(), rec.UpdateID, rec.Action)
	if err := a.store.Set(ctx, key, string(payload)); err != nil {
		a.log.Warn("operator audit save failed", zap.String("action", rec.Action), zap.Error(err))
	}
}

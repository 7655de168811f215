package app

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"dn-cycle-bot/internal/alerts"
	"dn-cycle-bot/internal/settings"

	"go.uber.org/zap"
)

const operatorOffsetKey = "telegram:operator:last_update_id"

type operatorAuditEvent struct {
	UpdateID int64     `json:"update_id"`
	Time     time.Time `json:"time"`
	Command  string    `json:"command"`
	Args     []string  `json:"args,omitempty"`
	UserID   int64     `json:"user_id"`
	Username string    `json:"username,omitempty"`
	ChatID   int64     `json:"chat_id"`
	Outcome  string    `json:"outcome"`
}

func (a *App) startOperator(ctx context.Context) {
	if !a.alerts.Enabled() {
		return
	}
	chatID, err := strconv.ParseInt(strings.TrimSpace(a.cfg.Telegram.ChatID), 10, 64)
	if err != nil {
		a.log.Warn("telegram operator disabled: invalid chat_id", zap.Error(err))
		return
	}
	allowed := make(map[int64]struct{}, len(a.cfg.Telegram.AllowedUserIDs))
	for _, id := range a.cfg.Telegram.AllowedUserIDs {
		allowed[id] = struct{}{}
	}
	go a.operatorLoop(ctx, chatID, allowed, a.cfg.Telegram.PollInterval)
}

func (a *App) operatorLoop(ctx context.Context, chatID int64, allowed map[int64]struct{}, pollInterval time.Duration) {
	offset := a.loadOperatorOffset(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		updates, err := a.alerts.GetUpdates(ctx, offset, pollInterval)
		if err != nil {
			if !a.operatorWarned {
				a.log.Warn("telegram operator poll failed", zap.Error(err))
				a.operatorWarned = true
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(pollInterval):
			}
			continue
		}
		if a.operatorWarned {
			a.log.Info("telegram operator recovered")
			a.operatorWarned = false
		}
		for _, upd := range updates {
			if upd.UpdateID >= offset {
				offset = upd.UpdateID + 1
				a.saveOperatorOffset(ctx, offset)
			}
			a.handleOperatorUpdate(ctx, upd, chatID, allowed)
		}
	}
}

func (a *App) handleOperatorUpdate(ctx context.Context, upd alerts.Update, chatID int64, allowed map[int64]struct{}) {
	if upd.Message == nil || upd.Message.Chat == nil || upd.Message.From == nil {
		return
	}
	msg := upd.Message
	if msg.Chat.ID != chatID {
		return
	}
	if len(allowed) > 0 {
		if _, ok := allowed[msg.From.ID]; !ok {
			a.log.Warn("operator command from unauthorized user",
				zap.Int64("user_id", msg.From.ID),
				zap.String("username", msg.From.Username))
			return
		}
	}
	cmd, args, ok := parseOperatorCommand(msg.Text)
	if !ok {
		return
	}
	outcome := a.dispatch(ctx, cmd, args)
	a.audit(ctx, operatorAuditEvent{
		UpdateID: upd.UpdateID,
		Time:     time.Now().UTC(),
		Command:  cmd,
		Args:     args,
		UserID:   msg.From.ID,
		Username: msg.From.Username,
		ChatID:   msg.Chat.ID,
		Outcome:  outcome,
	})
}

func (a *App) dispatch(ctx context.Context, cmd string, args []string) string {
	reply := func(text string) string {
		a.alerts.Send(ctx, text)
		return "ok"
	}
	switch cmd {
	case "/status":
		return reply(a.statusText())
	case "/balance":
		return reply(a.balanceText(ctx))
	case "/config":
		return reply(a.configText())
	case "/pause":
		a.ctrl.Pause("operator command")
		return reply("Paused. In-flight cycle will complete its unwind first.")
	case "/resume", "/start":
		a.ctrl.Resume()
		return reply("Resumed.")
	case "/stop":
		a.ctrl.EmergencyClose()
		return reply("Emergency close requested. Trading paused.")
	case "/clearfail":
		if err := a.ctrl.ClearFailed(); err != nil {
			a.alerts.Send(ctx, "Cannot clear: "+err.Error())
			return "error: " + err.Error()
		}
		return reply("Failure cleared, back to idle.")
	case "/set":
		if len(args) < 2 {
			a.alerts.Send(ctx, "Usage: /set KEY value [value]")
			return "error: bad args"
		}
		values, err := settings.ParseValues(args[1:])
		if err == nil {
			err = a.settings.Set(ctx, args[0], values)
		}
		if err != nil {
			a.alerts.Send(ctx, "Set failed: "+err.Error())
			return "error: " + err.Error()
		}
		return reply(fmt.Sprintf("Set %s = %v", strings.ToUpper(args[0]), args[1:]))
	case "/help":
		return reply(helpText)
	default:
		a.alerts.Send(ctx, "Unknown command. "+helpText)
		return "unknown command"
	}
}

const helpText = `Commands:
/status - state machine and current cycle
/balance - collateral and positions per venue
/config - current strategy settings
/pause - stop starting new cycles
/resume - clear a pause
/stop - unwind now and pause
/clearfail - acknowledge a failure, back to idle
/set KEY v [v] - change a setting (SIZE, HOLD, COOLDOWN, TIMEOUT, SPREAD, SLIPPAGE, BUFFER, REPRICE, LEVERAGE, DRY_RUN)
/help - this message`

func (a *App) statusText() string {
	st := a.ctrl.Status()
	var b strings.Builder
	fmt.Fprintf(&b, "State: %s\n", st.State)
	if st.Paused {
		fmt.Fprintf(&b, "Paused: %s\n", st.PauseReason)
	}
	if st.FailMsg != "" {
		fmt.Fprintf(&b, "Failure: %s\n", st.FailMsg)
	}
	if st.Cycle != nil {
		c := st.Cycle
		fmt.Fprintf(&b, "Cycle %s: side=%s target=%.6f filled=%.6f hedged=%.6f\n",
			c.ID, c.Side, c.TargetSize, c.FilledSize, c.HedgedSize)
	}
	fmt.Fprintf(&b, "Session PnL: %.2f USD over %d cycles", st.SessionPnL, st.CyclesDone)
	return b.String()
}

func (a *App) balanceText(ctx context.Context) string {
	var b strings.Builder
	snaps := a.safety.Snapshots()
	if len(snaps) == 0 {
		return "No snapshots yet"
	}
	for name, ps := range snaps {
		fmt.Fprintf(&b, "%s: equity=%.2f free=%.2f position=%.6f", name, ps.Balance.EquityUSD, ps.Balance.FreeCollateralUSD, ps.Position)
		if ps.HasMarginRatio {
			fmt.Fprintf(&b, " margin=%.4f", ps.MarginRatio)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func (a *App) configText() string {
	s := a.settings.Snapshot()
	return fmt.Sprintf(
		"size: %.0f-%.0f USD\nhold: %.0f-%.0f min\ncooldown: %.0f-%.0f min\ntimeout: %s\nspread: %.1f bps\nslippage: %.1f bps\nbuffer: %.2f USD\nreprice: %s\nleverage: %.0fx\ndry_run: %v",
		s.SizeUSD.Min, s.SizeUSD.Max,
		s.Hold.Min, s.Hold.Max,
		s.Cooldown.Min, s.Cooldown.Max,
		s.OrderTimeout, s.SpreadBps, s.SlippageBps,
		s.CloseBuffer, s.RepriceEvery, s.Leverage, s.DryRun)
}

func (a *App) audit(ctx context.Context, ev operatorAuditEvent) {
	raw, err := json.Marshal(ev)
	if err != nil {
		return
	}
	a.log.Info("operator command", zap.ByteString("audit", raw))
	key := fmt.Sprintf("audit:%d", ev.UpdateID)
	if err := a.store.Set(ctx, key, string(raw)); err != nil {
		a.log.Warn("failed to persist audit record", zap.String("key", key), zap.Error(err))
	}
}

func (a *App) loadOperatorOffset(ctx context.Context) int64 {
	raw, ok, err := a.store.Get(ctx, operatorOffsetKey)
	if err != nil || !ok {
		return 0
	}
	offset, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return offset
}

func (a *App) saveOperatorOffset(ctx context.Context, offset int64) {
	if err := a.store.Set(ctx, operatorOffsetKey, strconv.FormatInt(offset, 10)); err != nil {
		a.log.Warn("failed to persist operator offset", zap.Error(err))
	}
}

func parseOperatorCommand(text string) (string, []string, bool) {
	fields := strings.Fields(strings.TrimSpace(text))
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return "", nil, false
	}
	cmd := strings.ToLower(fields[0])
	// Strip the bot mention suffix Telegram adds in groups.
	if i := strings.Index(cmd, "@"); i > 0 {
		cmd = cmd[:i]
	}
	return cmd, fields[1:], true
}

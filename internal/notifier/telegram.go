// Package notifier delivers operator alerts through the Telegram Bot API.
// Delivery is fire-and-forget from the core's perspective: failures are
// surfaced as errors for logging but never escalate.
package notifier

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"bitfinex-margin-balancer/internal/core"
	"bitfinex-margin-balancer/internal/models"
)

const sendTimeout = 10 * time.Second

// TelegramNotifier posts alerts to a Telegram chat via the sendMessage API.
// When disabled, every send is a silent success.
type TelegramNotifier struct {
	botToken string
	chatID   string
	enabled  bool
	client   *http.Client
	baseURL  string
	logger   *zap.Logger
}

// NewTelegramNotifier creates a notifier for the given bot token and chat ID.
func NewTelegramNotifier(botToken, chatID string, enabled bool, logger *zap.Logger) *TelegramNotifier {
	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		enabled:  enabled,
		client:   &http.Client{Timeout: sendTimeout},
		baseURL:  "https://api.telegram.org",
		logger:   logger,
	}
}

// SendMessage posts an HTML-formatted message to the configured chat.
func (n *TelegramNotifier) SendMessage(text string) error {
	if !n.enabled {
		return nil
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)

	payload := map[string]string{
		"chat_id":    n.chatID,
		"text":       text,
		"parse_mode": "HTML",
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("telegram: marshal payload: %w", err)
	}

	resp, err := n.client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telegram: send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("telegram: unexpected status %d: %s", resp.StatusCode, string(respBody))
	}

	return nil
}

// SendAdjustmentReport reports the outcome of a rebalance run. Runs that
// attempted nothing are not reported.
func (n *TelegramNotifier) SendAdjustmentReport(result *core.RebalanceResult) error {
	if !n.enabled {
		return nil
	}
	if result.SuccessCount == 0 && result.FailCount == 0 {
		return nil
	}

	var b strings.Builder
	b.WriteString("<b>Margin adjustment report</b>\n\n")

	for _, adj := range result.Adjustments {
		arrow := "-"
		if adj.Direction == models.DirectionIncrease {
			arrow = "+"
		}
		fmt.Fprintf(&b, "%s <b>%s</b>: %s -> %s USDt\n",
			arrow, adj.Symbol,
			adj.BeforeMargin.StringFixed(2), adj.AfterMargin.StringFixed(2),
		)
	}

	fmt.Fprintf(&b, "\nSucceeded: %d\n", result.SuccessCount)
	if result.FailCount > 0 {
		fmt.Fprintf(&b, "Failed: %d\n", result.FailCount)
	}
	fmt.Fprintf(&b, "Total adjusted: %s USDt", result.TotalAdjusted.StringFixed(2))

	return n.SendMessage(b.String())
}

// SendLiquidationAlert reports a liquidation run, including planned closes
// that were not executed (dry run or cooldown).
func (n *TelegramNotifier) SendLiquidationAlert(result *core.LiquidationResult) error {
	if !n.enabled {
		return nil
	}
	if !result.Executed && len(result.Plans) == 0 {
		return nil
	}

	var b strings.Builder
	b.WriteString("<b>Liquidation alert</b>\n\n")
	fmt.Fprintf(&b, "Reason: %s\n\n", result.Reason)

	if len(result.Plans) > 0 {
		b.WriteString("<b>Plans:</b>\n")
		for _, plan := range result.Plans {
			fmt.Fprintf(&b, "<b>%s</b> (%s): close %s @ %s\n",
				plan.Symbol, plan.Side,
				plan.CloseQuantity.StringFixed(4), plan.CurrentPrice.StringFixed(2),
			)
			fmt.Fprintf(&b, "  estimated release: %s USDt\n", plan.EstimatedRelease.StringFixed(2))
		}
	}

	b.WriteString("\n")
	if result.Executed {
		fmt.Fprintf(&b, "Executed: %d\n", result.SuccessCount)
		if result.FailCount > 0 {
			fmt.Fprintf(&b, "Failed: %d\n", result.FailCount)
		}
		fmt.Fprintf(&b, "Released: %s USDt", result.TotalReleased.StringFixed(2))
	} else {
		b.WriteString("Not executed (dry run or cooldown)")
	}

	return n.SendMessage(b.String())
}

// SendAccountMarginWarning alerts that the account-level margin rate dropped
// below the warning threshold.
func (n *TelegramNotifier) SendAccountMarginWarning(rate float64) error {
	if !n.enabled {
		return nil
	}

	text := fmt.Sprintf(
		"<b>Account margin rate warning</b>\n\nCurrent rate: %.2f%%\nConsider reducing exposure or adding collateral.",
		rate,
	)
	return n.SendMessage(text)
}

// SendAPIErrorAlert reports that the exchange API failed past its retry
// budget.
func (n *TelegramNotifier) SendAPIErrorAlert(err error, retryCount int) error {
	if !n.enabled {
		return nil
	}

	text := fmt.Sprintf(
		"<b>API error alert</b>\n\nError: %v\nRetries attempted: %d\n\nCheck API connectivity and credentials.",
		err, retryCount,
	)
	return n.SendMessage(text)
}

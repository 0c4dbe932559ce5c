package server

import (
	"context"
	"encoding/json"

	"github.com/gofiber/contrib/websocket"

	"skycrash/internal/game"
	"skycrash/internal/logger"
)

type wsCommand struct {
	Type        string  `json:"type"`
	Amount      float64 `json:"amount,omitempty"`
	BetType     string  `json:"bet_type,omitempty"`
	AutoCashout float64 `json:"auto_cashout_multiplier,omitempty"`
	BetRef      string  `json:"bet_ref,omitempty"`
}

// gameWebSocketHandler is the per-connection loop: register with the hub,
// send the current phase snapshot, then serve place_bet/cashout commands
// until the peer goes away. A disconnect cancels the subscription only;
// an in-flight placement or cashout runs to completion.
func (s *FiberServer) gameWebSocketHandler(conn *websocket.Conn) {
	userID := conn.Query("user_id", "anonymous")
	log := logger.With("ws")

	client := s.hub.RegisterClient(conn, userID)
	defer s.hub.UnregisterClient(client)

	if snap := s.sched.Snapshot(); snap.RoundID != "" {
		if err := client.SendDirect(game.WSMessage{Type: "initial_state", Data: snap}); err != nil {
			log.Warn().Err(err).Str("user_id", userID).Msg("initial state send failed")
			return
		}
	}

	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var cmd wsCommand
		if err := json.Unmarshal(message, &cmd); err != nil {
			continue
		}

		switch cmd.Type {
		case "place_bet":
			betType := game.BetManual
			if cmd.BetType == string(game.BetAuto) {
				betType = game.BetAuto
			}
			result, err := s.bets.Place(context.Background(), userID, cmd.Amount, betType, cmd.AutoCashout)
			s.ackDirect(client, "bet_ack", result, err)

		case "cashout":
			result, err := s.bets.Cashout(context.Background(), userID, cmd.BetRef)
			s.ackDirect(client, "cashout_ack", result, err)

		case "ping":
			client.SendDirect(map[string]string{"type": "pong"})
		}
	}
}

func (s *FiberServer) ackDirect(client *game.Client, msgType string, result interface{}, err error) {
	if err != nil {
		var payload interface{} = map[string]string{"message": "internal error"}
		if engineErr, ok := err.(*game.Error); ok {
			payload = map[string]string{
				"kind":    engineErr.Kind.String(),
				"code":    engineErr.Code,
				"message": engineErr.Message,
			}
		}
		client.SendDirect(game.WSMessage{Type: msgType, Data: map[string]interface{}{"error": payload}})
		return
	}
	client.SendDirect(game.WSMessage{Type: msgType, Data: result})
}

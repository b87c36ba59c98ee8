package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/studiocdz/collaborative-editor/internal/domain"
	"github.com/studiocdz/collaborative-editor/internal/infrastructure/ws"
)

func TestPrinterMarksReplayedFrames(t *testing.T) {
	var buf bytes.Buffer
	p := newPrinter(&buf)

	users := []ws.UserPayload{{ID: "a1", Name: "alice", IsOnline: true}}
	p.Render(ws.WSMessage{Type: ws.ReplayStart, FromSeq: 1, ToSeq: 2, Users: users})
	p.Render(ws.WSMessage{Type: ws.DrawingUpdate, Seq: 2, Replay: true, Point: &ws.PointPayload{UserID: "a1", Tool: "pen", X: 4, Y: 5}})
	p.Render(ws.WSMessage{Type: ws.ReplayEnd, Seq: 2})
	p.Render(ws.WSMessage{Type: ws.CanvasClear, Seq: 3})

	require.Equal(t, "-- replaying 1..2 --\n"+
		"    2*alice drew pen at (4, 5)\n"+
		"-- live at 2 --\n"+
		"    3 canvas cleared\n", buf.String())
}

func TestPrinterReplayedPresenceHasNoCount(t *testing.T) {
	var buf bytes.Buffer
	p := newPrinter(&buf)

	p.Render(ws.WSMessage{Type: ws.UsersUpdate, Seq: 1, Replay: true, Participant: &ws.UserPayload{ID: "b2", Name: "bob", IsOnline: true}})
	p.Render(ws.WSMessage{Type: ws.DrawingUpdate, Seq: 2, Replay: true, Point: &ws.PointPayload{UserID: "b2", Tool: "eraser", X: 1, Y: 1}})
	p.Render(ws.WSMessage{Type: ws.UsersUpdate, Seq: 3, Participant: &ws.UserPayload{ID: "b2", Name: "bob"}, Users: []ws.UserPayload{{ID: "b2", Name: "bob"}}})

	require.Equal(t, "    1*bob joined\n"+
		"    2*bob drew eraser at (1, 1)\n"+
		"    3 bob left (0 online)\n", buf.String())
}

func TestParsePoint(t *testing.T) {
	point, err := parsePoint("10 20 6 #ff0000")
	require.NoError(t, err)
	require.Equal(t, domain.DrawPoint{X: 10, Y: 20, Size: 6, Color: "#ff0000", Tool: domain.ToolPen}, point)

	_, err = parsePoint("10")
	require.Error(t, err)
	_, err = parsePoint("x 1")
	require.Error(t, err)
}

package ws

// Client -> server frame types. The aliases are the names used by the first
// browser client and are still accepted.
const (
	InJoin      = "join"
	InLeave     = "leave"
	InDraw      = "draw"
	InChat      = "chat"
	InClear     = "clear"
	InFileShare = "file_share"

	InJoinAlias  = "user_join"
	InLeaveAlias = "user_leave"
	InDrawAlias  = "drawing"
	InClearAlias = "clear_canvas"
)

// Server -> client frame types.
const (
	UsersUpdate   = "users_update"
	DrawingUpdate = "drawing_update"
	ChatMessage   = "chat_message"
	CanvasClear   = "canvas_clear"
	FileUpload    = "file_upload"

	Welcome     = "welcome"
	ReplayStart = "replay_start"
	ReplayEnd   = "replay_end"

	ErrorEvent = "error"
)

// Close codes sent by the server.
const (
	CloseResyncRequired   = 4008
	CloseSuperseded       = 4009
	CloseProtocolViolated = 4400
)

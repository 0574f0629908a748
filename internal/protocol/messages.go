package protocol

import "github.com/cory-johannsen/cardlobby/internal/lobby"

// Client → server message types.
const (
	MsgCreateLobby = "create_lobby"
	MsgJoinLobby   = "join_lobby"
	MsgLeaveLobby  = "leave_lobby"
)

// Server → client message types.
const (
	MsgConnected   = "connected"
	MsgLobbyCode   = "lobby_code"
	MsgLobbyUpdate = "lobby_update"
	MsgError       = "error_message"
	MsgLobbyClosed = "lobby_closed"
)

// Notice texts sent to clients.
const (
	TextLobbyNotFound = "Lobby not found!"
	TextLobbyFull     = "Lobby is full!"
	TextAlreadyMember = "Already in a lobby!"
	TextCodeExhausted = "Could not allocate a lobby code, try again."
	TextNotInLobby    = "Not in a lobby!"
	TextUnknownType   = "Unknown message type"
	TextMalformed     = "Malformed message"
	TextLobbyClosed   = "The lobby has been closed because the last player left."
)

// CreateLobby asks the server to open a new lobby with the sender as its only member.
type CreateLobby struct {
	Name string `json:"name"`
}

// JoinLobby asks to be appended to an existing lobby.
type JoinLobby struct {
	Code string `json:"code"`
	Name string `json:"name"`
}

// Connected tells a client its own connection id.
type Connected struct {
	ID string `json:"id"`
}

// LobbyCode tells a creator the code of the lobby it opened.
type LobbyCode struct {
	Code string `json:"code"`
}

// LobbyUpdate carries a lobby's full membership in join order.
type LobbyUpdate struct {
	Code    string         `json:"code"`
	Members []lobby.Member `json:"members"`
}

// ErrorMessage reports a failed request to its sender only.
type ErrorMessage struct {
	Message string `json:"message"`
}

// LobbyClosed announces that a lobby no longer exists.
type LobbyClosed struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

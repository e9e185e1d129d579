// Package types is the wire protocol spoken between towerduo clients and the
// relay server. Every frame is a JSON object with a "type" field.
package types

// Client -> Server message types.
const (
	MsgJoinLobby        = "JoinLobby"
	MsgLeaveLobby       = "LeaveLobby"
	MsgSpawnObject      = "SpawnObject"
	MsgEndTurn          = "EndTurn"
	MsgSyncInFlight     = "SyncInFlight"
	MsgEndSession       = "EndSession"
	MsgChannelProposal  = "ChannelProposal"
	MsgChannelSignature = "ChannelSignature"
	MsgChannelID        = "ChannelID"
)

// Server -> Client message types. ChannelProposal and ChannelSignature are
// relayed unchanged under their client names.
const (
	MsgLobbyWaiting     = "LobbyWaiting"
	MsgMatched          = "Matched"
	MsgChannelReady     = "ChannelReady"
	MsgSessionStarted   = "SessionStarted"
	MsgObjectSpawned    = "ObjectSpawned"
	MsgInFlightSync     = "InFlightSync"
	MsgTurnChanged      = "TurnChanged"
	MsgSessionEnded     = "SessionEnded"
	MsgSettlementResult = "SettlementResult"
	MsgSessionAbandoned = "SessionAbandoned"
	MsgError            = "Error"
)

// Error codes carried in ErrorBody.Code.
const (
	ErrCodeBadRequest = "bad_request"
	ErrCodeProtocol   = "protocol_violation"
	ErrCodeNotFound   = "not_found"
	ErrCodeConflict   = "conflict"
)

// Channel roles sent in Matched.
const (
	RoleProposer  = "proposer"
	RoleResponder = "responder"
)

type ClientMessage struct {
	Type string `json:"type" validate:"required,oneof=JoinLobby LeaveLobby SpawnObject EndTurn SyncInFlight EndSession ChannelProposal ChannelSignature ChannelID"`

	ModeID          string `json:"mode_id,omitempty" validate:"required_if=Type JoinLobby,required_if=Type LeaveLobby,max=64"`
	Address         string `json:"address,omitempty" validate:"required_if=Type JoinLobby,max=128"`
	StakeCommitment string `json:"stake_commitment,omitempty" validate:"max=256"`

	Object   *ObjectDescriptor `json:"object,omitempty" validate:"required_if=Type SpawnObject"`
	Snapshot SharedState       `json:"snapshot,omitempty" validate:"max=512,dive"`
	ObjectID string            `json:"object_id,omitempty" validate:"required_if=Type SyncInFlight,max=64"`
	Pose     *Pose             `json:"pose,omitempty" validate:"required_if=Type SyncInFlight"`
	Metric   *float64          `json:"metric,omitempty" validate:"required_if=Type EndSession"`

	Proposal  *ChannelProposal `json:"proposal,omitempty" validate:"required_if=Type ChannelProposal"`
	Signature *Signature       `json:"signature,omitempty" validate:"required_if=Type ChannelSignature"`
	ChannelID string           `json:"channel_id,omitempty" validate:"required_if=Type ChannelID,max=128"`
}

type ServerMessage struct {
	Type  string     `json:"type"`
	Error *ErrorBody `json:"error,omitempty"`

	// Lobby / match
	ModeID      string `json:"mode_id,omitempty"`
	Position    int    `json:"position,omitempty"`
	SessionID   string `json:"session_id,omitempty"`
	Seat        int    `json:"seat,omitempty"`
	PeerID      string `json:"peer_id,omitempty"`
	PeerAddress string `json:"peer_address,omitempty"`
	Role        string `json:"role,omitempty"`
	Stake       int64  `json:"stake,omitempty"`
	Asset       string `json:"asset,omitempty"`

	// Channel
	Proposal  *ChannelProposal `json:"proposal,omitempty"`
	Signature *Signature       `json:"signature,omitempty"`
	ChannelID string           `json:"channel_id,omitempty"`
	Simulated bool             `json:"simulated,omitempty"`

	// Turns
	Holder    int         `json:"holder,omitempty"`
	TurnCount int         `json:"turn_count,omitempty"`
	YourTurn  bool        `json:"your_turn,omitempty"`
	Snapshot  SharedState `json:"snapshot,omitempty"`
	Object    *Object     `json:"object,omitempty"`
	ObjectID  string      `json:"object_id,omitempty"`
	Pose      *Pose       `json:"pose,omitempty"`

	// End of session
	Metric     *float64          `json:"metric,omitempty"`
	Settlement *SettlementResult `json:"settlement,omitempty"`
	Refund     int64             `json:"refund,omitempty"`
	Reason     string            `json:"reason,omitempty"`
}

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ChannelDefinition fixes who may sign and how many weights make a quorum.
type ChannelDefinition struct {
	Protocol     string   `json:"protocol"`
	Participants []string `json:"participants"`
	Weights      []int    `json:"weights"`
	Quorum       int      `json:"quorum"`
	Nonce        uint64   `json:"nonce"`
}

type Allocation struct {
	Participant string `json:"participant"`
	Asset       string `json:"asset"`
	Amount      int64  `json:"amount"`
}

// Signature is a co-signer's answer to a proposal. Digest is the hex digest the
// signer saw; a Declined signature carries no value and tells the proposer to
// fall back right away.
type Signature struct {
	Signer   string `json:"signer"`
	Digest   string `json:"digest"`
	Value    []byte `json:"value,omitempty"`
	Declined bool   `json:"declined,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// ChannelProposal is built and first signed by the proposer. Definition and
// Allocations never change after creation; only Signatures grows.
type ChannelProposal struct {
	SessionID      string            `json:"session_id"`
	ProposerID     string            `json:"proposer_id"`
	CounterpartyID string            `json:"counterparty_id"`
	Definition     ChannelDefinition `json:"definition"`
	Allocations    []Allocation      `json:"allocations"`
	Signatures     []Signature       `json:"signatures"`
}

type Payout struct {
	ParticipantID string `json:"participant_id"`
	Amount        int64  `json:"amount"`
}

type SettlementResult struct {
	SessionID     string   `json:"session_id"`
	Tier          int      `json:"tier"`
	MultiplierPct int64    `json:"multiplier_pct"`
	Metric        float64  `json:"metric"`
	TotalStake    int64    `json:"total_stake"`
	TotalRewards  int64    `json:"total_rewards"`
	Payouts       []Payout `json:"payouts"`
	ProtocolFee   int64    `json:"protocol_fee"`
	Simulated     bool     `json:"simulated"`
	Disputed      bool     `json:"disputed,omitempty"`
}

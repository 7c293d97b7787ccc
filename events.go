package realtime

import (
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
	"github.com/goccy/go-yaml"
	"github.com/google/uuid"

	"github.com/linguaflow/realtime/shared"
)

type EventType string

type ServerEventType EventType

type ClientEventType EventType

// Server event types the session core reacts to. Anything else on the data
// channel decodes to shared.ErrUnknownServerEvent and is skipped.
const (
	ServerEventTypeError                            ServerEventType = "error"
	ServerEventTypeConversationItemCreated          ServerEventType = "conversation.item.created"
	ServerEventTypeAudioTranscriptDelta             ServerEventType = "response.audio_transcript.delta"
	ServerEventTypeAudioTranscriptDone              ServerEventType = "response.audio_transcript.done"
	ServerEventTypeInputAudioTranscriptionCompleted ServerEventType = "conversation.item.input_audio_transcription.completed"
	ServerEventTypeOutputAudioBufferStarted         ServerEventType = "output_audio_buffer.started"
	ServerEventTypeOutputAudioBufferStopped         ServerEventType = "output_audio_buffer.stopped"
)

// Client event types
const (
	ClientEventTypeSessionUpdate          ClientEventType = "session.update"
	ClientEventTypeConversationItemCreate ClientEventType = "conversation.item.create"
	ClientEventTypeResponseCreate         ClientEventType = "response.create"
)

// The learner's target language; input transcription is pinned to it.
const inputTranscriptionLanguage = "es"

const inputTranscriptionModel = "whisper-1"

type Event interface {
	EventType() EventType
	IsServerEvent() bool
	IsClientEvent() bool
	MarshalYAML() ([]byte, error)
	MarshalJSON() ([]byte, error)
}

type EventParam interface {
	New(map[string]any) error
	Json() map[string]any
}

// ServerEvent is a decoded inbound data-channel event.
type ServerEvent struct {
	EventId string
	Type    ServerEventType
	Param   EventParam
}

var _ Event = (*ServerEvent)(nil)

func (e *ServerEvent) EventType() EventType {
	return EventType(e.Type)
}

func (e *ServerEvent) IsServerEvent() bool {
	return true
}

func (e *ServerEvent) IsClientEvent() bool {
	return false
}

func (e *ServerEvent) MarshalJSON() ([]byte, error) {
	if e.Type == "" {
		return nil, errors.New("Type is empty")
	}
	if e.Param == nil {
		return nil, errors.New("Param is nil")
	}
	resp := map[string]any{}
	for k, v := range e.Param.Json() {
		resp[k] = v
	}
	if e.EventId != "" {
		resp["event_id"] = e.EventId
	}
	resp["type"] = e.Type
	return sonic.Marshal(resp)
}

func (e *ServerEvent) MarshalYAML() ([]byte, error) {
	if e.Type == "" {
		return nil, errors.New("Type is empty")
	}
	if e.Param == nil {
		return nil, errors.New("Param is nil")
	}
	resp := map[string]any{}
	for k, v := range e.Param.Json() {
		resp[k] = v
	}
	if e.EventId != "" {
		resp["event_id"] = e.EventId
	}
	resp["type"] = e.Type
	return yaml.MarshalWithOptions(resp, yaml.UseJSONMarshaler())
}

func (e *ServerEvent) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := sonic.Unmarshal(data, &raw); err != nil {
		return err
	}
	if v, ok := raw["event_id"].(string); ok {
		e.EventId = v
		delete(raw, "event_id")
	}
	if v, ok := raw["type"].(string); ok {
		e.Type = ServerEventType(v)
		delete(raw, "type")
	} else {
		return errors.New("missing type")
	}
	switch e.Type {
	case ServerEventTypeError:
		e.Param = new(ServerEventParamError)
	case ServerEventTypeConversationItemCreated:
		e.Param = new(ServerEventParamConversationItemCreated)
	case ServerEventTypeAudioTranscriptDelta:
		e.Param = new(ServerEventParamAudioTranscriptDelta)
	case ServerEventTypeAudioTranscriptDone:
		e.Param = new(ServerEventParamAudioTranscriptDone)
	case ServerEventTypeInputAudioTranscriptionCompleted:
		e.Param = new(ServerEventParamInputAudioTranscriptionCompleted)
	case ServerEventTypeOutputAudioBufferStarted:
		e.Param = new(ServerEventParamOutputAudioBufferStarted)
	case ServerEventTypeOutputAudioBufferStopped:
		e.Param = new(ServerEventParamOutputAudioBufferStopped)
	default:
		return fmt.Errorf("%w: %s", shared.ErrUnknownServerEvent, e.Type)
	}
	return e.Param.New(raw)
}

// DecodeServerEvent decodes one raw data-channel message.
func DecodeServerEvent(data []byte) (*ServerEvent, error) {
	event := new(ServerEvent)
	if err := event.UnmarshalJSON(data); err != nil {
		return nil, err
	}
	return event, nil
}

// error
type ServerEventParamError struct {
	Type    string
	Code    string
	Message string
	Param   any
}

func (p *ServerEventParamError) New(m map[string]any) error {
	// Official shape nests the details under "error"; some proxies flatten it.
	if errObj, ok := m["error"].(map[string]any); ok {
		m = errObj
	}
	if v, ok := m["type"].(string); ok {
		p.Type = v
	}
	if v, ok := m["code"].(string); ok {
		p.Code = v
	}
	if v, ok := m["message"].(string); ok {
		p.Message = v
	} else {
		return errors.New("missing message")
	}
	p.Param = m["param"]
	return nil
}

func (p *ServerEventParamError) Json() map[string]any {
	return map[string]any{
		"error": map[string]any{
			"type":    p.Type,
			"code":    p.Code,
			"message": p.Message,
			"param":   p.Param,
		},
	}
}

// conversation.item.created
type ServerEventParamConversationItemCreated struct {
	PreviousItemId any
	Item           map[string]any
}

func (p *ServerEventParamConversationItemCreated) New(m map[string]any) error {
	if v, ok := m["previous_item_id"]; ok {
		p.PreviousItemId = v // can be string or nil
	}
	if item, ok := m["item"].(map[string]any); ok {
		p.Item = item
	} else {
		return errors.New("missing item")
	}
	return nil
}

func (p *ServerEventParamConversationItemCreated) Json() map[string]any {
	return map[string]any{
		"previous_item_id": p.PreviousItemId,
		"item":             p.Item,
	}
}

func (p *ServerEventParamConversationItemCreated) ItemId() string {
	id, _ := p.Item["id"].(string)
	return id
}

func (p *ServerEventParamConversationItemCreated) ItemRole() string {
	role, _ := p.Item["role"].(string)
	return role
}

// ItemText extracts the initial text from the item's first content block.
// Items created for not-yet-transcribed audio have none; the transcript
// catches up through delta/completed events.
func (p *ServerEventParamConversationItemCreated) ItemText() string {
	content, ok := p.Item["content"].([]any)
	if !ok || len(content) == 0 {
		return ""
	}
	block, ok := content[0].(map[string]any)
	if !ok {
		return ""
	}
	if v, ok := block["text"].(string); ok && v != "" {
		return v
	}
	if v, ok := block["transcript"].(string); ok {
		return v
	}
	return ""
}

// response.audio_transcript.delta
type ServerEventParamAudioTranscriptDelta struct {
	ResponseId string
	ItemId     string
	Delta      string
}

func (p *ServerEventParamAudioTranscriptDelta) New(m map[string]any) error {
	if v, ok := m["response_id"].(string); ok {
		p.ResponseId = v
	}
	if v, ok := m["item_id"].(string); ok {
		p.ItemId = v
	} else {
		return errors.New("missing item_id")
	}
	if v, ok := m["delta"].(string); ok {
		p.Delta = v
	} else {
		return errors.New("missing delta")
	}
	return nil
}

func (p *ServerEventParamAudioTranscriptDelta) Json() map[string]any {
	return map[string]any{
		"response_id": p.ResponseId,
		"item_id":     p.ItemId,
		"delta":       p.Delta,
	}
}

// response.audio_transcript.done
type ServerEventParamAudioTranscriptDone struct {
	ResponseId string
	ItemId     string
	Transcript string
}

func (p *ServerEventParamAudioTranscriptDone) New(m map[string]any) error {
	if v, ok := m["response_id"].(string); ok {
		p.ResponseId = v
	}
	if v, ok := m["item_id"].(string); ok {
		p.ItemId = v
	} else {
		return errors.New("missing item_id")
	}
	if v, ok := m["transcript"].(string); ok {
		p.Transcript = v
	} else {
		return errors.New("missing transcript")
	}
	return nil
}

func (p *ServerEventParamAudioTranscriptDone) Json() map[string]any {
	return map[string]any{
		"response_id": p.ResponseId,
		"item_id":     p.ItemId,
		"transcript":  p.Transcript,
	}
}

// conversation.item.input_audio_transcription.completed
type ServerEventParamInputAudioTranscriptionCompleted struct {
	ItemId       string
	ContentIndex int
	Transcript   string
}

func (p *ServerEventParamInputAudioTranscriptionCompleted) New(m map[string]any) error {
	if v, ok := m["item_id"].(string); ok {
		p.ItemId = v
	} else {
		return errors.New("missing item_id")
	}
	if v, ok := asInt(m["content_index"]); ok {
		p.ContentIndex = v
	}
	if v, ok := m["transcript"].(string); ok {
		p.Transcript = v
	} else {
		return errors.New("missing transcript")
	}
	return nil
}

func (p *ServerEventParamInputAudioTranscriptionCompleted) Json() map[string]any {
	return map[string]any{
		"item_id":       p.ItemId,
		"content_index": p.ContentIndex,
		"transcript":    p.Transcript,
	}
}

// output_audio_buffer.started
type ServerEventParamOutputAudioBufferStarted struct {
	ResponseId string
}

func (p *ServerEventParamOutputAudioBufferStarted) New(m map[string]any) error {
	if v, ok := m["response_id"].(string); ok {
		p.ResponseId = v
	}
	return nil
}

func (p *ServerEventParamOutputAudioBufferStarted) Json() map[string]any {
	return map[string]any{
		"response_id": p.ResponseId,
	}
}

// output_audio_buffer.stopped
type ServerEventParamOutputAudioBufferStopped struct {
	ResponseId string
}

func (p *ServerEventParamOutputAudioBufferStopped) New(m map[string]any) error {
	if v, ok := m["response_id"].(string); ok {
		p.ResponseId = v
	}
	return nil
}

func (p *ServerEventParamOutputAudioBufferStopped) Json() map[string]any {
	return map[string]any{
		"response_id": p.ResponseId,
	}
}

// Helper for number conversions out of decoded JSON maps.
func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case float32:
		return int(n), true
	}
	return 0, false
}

// ClientEvent is an outbound data-channel event.
type ClientEvent struct {
	EventId string
	Type    ClientEventType
	Param   EventParam
}

var _ Event = (*ClientEvent)(nil)

func newClientEvent(t ClientEventType, param EventParam) *ClientEvent {
	return &ClientEvent{
		EventId: uuid.NewString(),
		Type:    t,
		Param:   param,
	}
}

func (e *ClientEvent) EventType() EventType {
	return EventType(e.Type)
}

func (e *ClientEvent) IsServerEvent() bool {
	return false
}

func (e *ClientEvent) IsClientEvent() bool {
	return true
}

func (e *ClientEvent) MarshalJSON() ([]byte, error) {
	if e.EventId == "" {
		return nil, errors.New("EventId is empty")
	}
	if e.Type == "" {
		return nil, errors.New("Type is empty")
	}
	if e.Param == nil {
		return nil, errors.New("Param is nil")
	}
	resp := map[string]any{}
	for k, v := range e.Param.Json() {
		resp[k] = v
	}
	resp["event_id"] = e.EventId
	resp["type"] = e.Type
	return sonic.Marshal(resp)
}

func (e *ClientEvent) MarshalYAML() ([]byte, error) {
	if e.Type == "" {
		return nil, errors.New("Type is empty")
	}
	if e.Param == nil {
		return nil, errors.New("Param is nil")
	}
	resp := map[string]any{}
	for k, v := range e.Param.Json() {
		resp[k] = v
	}
	resp["event_id"] = e.EventId
	resp["type"] = e.Type
	return yaml.MarshalWithOptions(resp, yaml.UseJSONMarshaler())
}

// session.update
type ClientEventParamSessionUpdate struct {
	Session map[string]any
}

func (p *ClientEventParamSessionUpdate) New(m map[string]any) error {
	if session, ok := m["session"].(map[string]any); ok {
		p.Session = session
	} else {
		return errors.New("missing session")
	}
	return nil
}

func (p *ClientEventParamSessionUpdate) Json() map[string]any {
	return map[string]any{
		"session": p.Session,
	}
}

// NewSessionUpdateEvent builds the session.update sent once after the data
// channel opens, from the backend-issued session config.
func NewSessionUpdateEvent(cfg *SessionConfig) *ClientEvent {
	modalities := make([]any, 0, len(cfg.Modalities))
	for _, m := range cfg.Modalities {
		modalities = append(modalities, m)
	}
	return newClientEvent(ClientEventTypeSessionUpdate, &ClientEventParamSessionUpdate{
		Session: map[string]any{
			"modalities":          modalities,
			"instructions":        cfg.Instructions,
			"voice":               cfg.Voice,
			"input_audio_format":  "pcm16",
			"output_audio_format": "pcm16",
			"input_audio_transcription": map[string]any{
				"model":    inputTranscriptionModel,
				"language": inputTranscriptionLanguage,
			},
			"turn_detection": map[string]any{
				"type":                "server_vad",
				"threshold":           0.5,
				"prefix_padding_ms":   300,
				"silence_duration_ms": 500,
			},
			"max_response_output_tokens": "inf",
		},
	})
}

// conversation.item.create
type ClientEventParamConversationItemCreate struct {
	Item map[string]any
}

func (p *ClientEventParamConversationItemCreate) New(m map[string]any) error {
	if item, ok := m["item"].(map[string]any); ok {
		p.Item = item
	} else {
		return errors.New("missing item")
	}
	return nil
}

func (p *ClientEventParamConversationItemCreate) Json() map[string]any {
	return map[string]any{
		"item": p.Item,
	}
}

// NewUserTextItemEvent wraps a learner-typed message as a user-role
// input_text conversation item.
func NewUserTextItemEvent(text string) *ClientEvent {
	return newClientEvent(ClientEventTypeConversationItemCreate, &ClientEventParamConversationItemCreate{
		Item: map[string]any{
			"type": "message",
			"role": "user",
			"content": []any{
				map[string]any{
					"type": "input_text",
					"text": text,
				},
			},
		},
	})
}

// response.create
type ClientEventParamResponseCreate struct {
	Response map[string]any
}

func (p *ClientEventParamResponseCreate) New(m map[string]any) error {
	if response, ok := m["response"].(map[string]any); ok {
		p.Response = response
	} else {
		p.Response = map[string]any{}
	}
	return nil
}

func (p *ClientEventParamResponseCreate) Json() map[string]any {
	if p.Response == nil {
		return map[string]any{"response": map[string]any{}}
	}
	return map[string]any{"response": p.Response}
}

// NewResponseCreateEvent asks the agent to produce its next turn. Sent once
// after session.update so the agent speaks first, and after every learner
// text message.
func NewResponseCreateEvent() *ClientEvent {
	return newClientEvent(ClientEventTypeResponseCreate, &ClientEventParamResponseCreate{})
}

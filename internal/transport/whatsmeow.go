package transport

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/guonaihong/gout"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"github.com/talkincode/toughgate/internal/app"
	"github.com/talkincode/toughgate/internal/domain"
	"github.com/talkincode/toughgate/internal/errs"
	"go.mau.fi/whatsmeow"
	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"
)

// markerPrefix tags whatsmeow store devices with the owning session id via
// the BusinessName column, so stored credentials can be matched back to
// gate_session rows across restarts.
const markerPrefix = "gate_session:"

// WhatsmeowAdapter drives WhatsApp connections through whatsmeow. Credentials
// live in whatsmeow's sqlstore tables inside the main application database;
// the adapter reuses gorm's *sql.DB so no second connection pool is opened.
type WhatsmeowAdapter struct {
	app     app.AppContext
	store   *sqlstore.Container
	handler Handler

	// clients keyed by session id, not by network JID
	clients    map[string]*whatsmeow.Client
	clientsMux sync.RWMutex
}

// NewWhatsmeow wraps the application's database connection in a whatsmeow
// sqlstore container, runs its migrations and loads any stored devices into
// the client map without connecting them.
func NewWhatsmeow(a app.AppContext) (*WhatsmeowAdapter, error) {
	sqlDB, err := a.DB().DB()
	if err != nil {
		return nil, errors.Wrap(err, "obtain underlying sql.DB")
	}

	driver := "sqlite3"
	switch strings.ToLower(strings.TrimSpace(a.Config().Database.Type)) {
	case "postgres", "postgresql":
		driver = "postgres"
	}
	if driver == "sqlite3" {
		// some sqlite builds need the pragma per handle before sqlstore migrations run
		if _, err := sqlDB.ExecContext(context.Background(), "PRAGMA foreign_keys = ON;"); err != nil {
			zap.L().Warn("transport: unable to enable sqlite foreign_keys pragma", zap.Error(err))
		}
	}

	container := sqlstore.NewWithDB(sqlDB, driver, nil)
	if err := container.Upgrade(); err != nil {
		return nil, errors.Wrap(err, "sqlstore upgrade")
	}

	ad := &WhatsmeowAdapter{
		app:     a,
		store:   container,
		clients: make(map[string]*whatsmeow.Client),
	}

	devices, err := container.GetAllDevices()
	if err != nil {
		return nil, errors.Wrap(err, "sqlstore list devices")
	}
	for _, dev := range devices {
		sid := sessionIDOf(dev)
		if sid == "" {
			continue
		}
		ad.register(sid, whatsmeow.NewClient(dev, nil))
	}
	zap.L().Info("transport: whatsmeow adapter initialized",
		zap.Int("stored_devices", len(devices)), zap.String("driver", driver))
	return ad, nil
}

func sessionIDOf(dev *store.Device) string {
	if dev == nil || !strings.HasPrefix(dev.BusinessName, markerPrefix) {
		return ""
	}
	return strings.TrimPrefix(dev.BusinessName, markerPrefix)
}

// SetHandler registers the event sink.
func (ad *WhatsmeowAdapter) SetHandler(h Handler) {
	ad.handler = h
}

// Connect opens the session's connection, provisioning a fresh device record
// when the session has never paired before. The actual connect runs on the
// caller's goroutine but returns as soon as the socket handshake starts;
// pairing and login progress arrive through the Handler.
func (ad *WhatsmeowAdapter) Connect(ctx context.Context, sessionID string) error {
	// a cancelled session must never mint a device
	if err := ctx.Err(); err != nil {
		return errs.Wrap(err, errs.KindTransientTransport, "connect aborted")
	}
	ad.clientsMux.RLock()
	cli := ad.clients[sessionID]
	ad.clientsMux.RUnlock()

	if cli == nil {
		dev := ad.store.NewDevice()
		dev.BusinessName = markerPrefix + sessionID
		if err := ad.store.PutDevice(dev); err != nil {
			zap.L().Warn("transport: PutDevice failed, keeping device in memory",
				zap.Error(err), zap.String("session_id", sessionID))
		}
		cli = whatsmeow.NewClient(dev, nil)
		ad.register(sessionID, cli)
	}

	if cli.IsConnected() {
		return nil
	}
	if err := cli.Connect(); err != nil {
		return errs.Wrap(err, errs.KindTransientTransport, "connect failed")
	}
	return nil
}

// register attaches the event handler and stores the client under its
// session id. Reconnect is left to the session manager, so whatsmeow's own
// auto-reconnect loop is disabled.
func (ad *WhatsmeowAdapter) register(sessionID string, cli *whatsmeow.Client) {
	cli.EnableAutoReconnect = false
	cli.AddEventHandler(func(raw interface{}) {
		ad.dispatch(sessionID, cli, raw)
	})
	ad.clientsMux.Lock()
	ad.clients[sessionID] = cli
	ad.clientsMux.Unlock()
	zap.L().Debug("transport: registered client", zap.String("session_id", sessionID))
}

func (ad *WhatsmeowAdapter) dispatch(sessionID string, cli *whatsmeow.Client, raw interface{}) {
	switch evt := raw.(type) {
	case *events.QR:
		if len(evt.Codes) == 0 {
			return
		}
		if ad.handler.OnQRCode != nil {
			ad.handler.OnQRCode(sessionID, evt.Codes[0])
		}
	case *events.PairSuccess:
		zap.L().Info("transport: pair success",
			zap.String("session_id", sessionID), zap.String("jid", evt.ID.String()))
	case *events.Connected:
		jid := ""
		if cli.Store.ID != nil {
			jid = cli.Store.ID.ToNonAD().String()
		}
		if ad.handler.OnConnected != nil {
			ad.handler.OnConnected(sessionID, jid)
		}
	case *events.Disconnected:
		if ad.handler.OnDisconnected != nil {
			ad.handler.OnDisconnected(sessionID, false, "connection closed")
		}
	case *events.StreamReplaced:
		if ad.handler.OnDisconnected != nil {
			ad.handler.OnDisconnected(sessionID, false, "stream replaced by another connection")
		}
	case *events.LoggedOut:
		if ad.handler.OnDisconnected != nil {
			ad.handler.OnDisconnected(sessionID, true, fmt.Sprintf("logged out: %v", evt.Reason))
		}
	case *events.ConnectFailure:
		loggedOut := evt.Reason.IsLoggedOut()
		if ad.handler.OnDisconnected != nil {
			ad.handler.OnDisconnected(sessionID, loggedOut,
				fmt.Sprintf("connect failure: %v", evt.Reason))
		}
	case *events.Message:
		ad.dispatchMessage(sessionID, evt)
	case *events.GroupInfo:
		ad.dispatchGroupInfo(sessionID, evt)
	default:
		zap.L().Debug("transport: unhandled event",
			zap.String("type", fmt.Sprintf("%T", raw)), zap.String("session_id", sessionID))
	}
}

func (ad *WhatsmeowAdapter) dispatchMessage(sessionID string, evt *events.Message) {
	if evt.Info.IsFromMe || ad.handler.OnMessage == nil {
		return
	}
	ctype, text := extractContent(evt.Message)
	me := &domain.MessageEvent{
		Direction:   domain.DirectionInbound,
		SessionID:   sessionID,
		RemoteID:    evt.Info.Chat.String(),
		SenderID:    evt.Info.Sender.ToNonAD().String(),
		SenderName:  evt.Info.PushName,
		MessageID:   string(evt.Info.ID),
		ContentType: ctype,
		Content:     text,
		IsGroup:     evt.Info.IsGroup,
		Timestamp:   evt.Info.Timestamp,
	}
	ad.handler.OnMessage(me)
}

func (ad *WhatsmeowAdapter) dispatchGroupInfo(sessionID string, evt *events.GroupInfo) {
	if ad.handler.OnMemberJoined == nil {
		return
	}
	for _, j := range evt.Join {
		ad.handler.OnMemberJoined(&domain.MemberEvent{
			SessionID: sessionID,
			GroupID:   evt.JID.String(),
			MemberID:  j.ToNonAD().String(),
			Action:    domain.MemberJoined,
			Timestamp: evt.Timestamp,
		})
	}
}

// extractContent normalizes the protobuf message union into a content type
// and display text. Media payloads keep their caption as the text part.
func extractContent(msg *waE2E.Message) (string, string) {
	switch {
	case msg == nil:
		return domain.ContentText, ""
	case msg.GetConversation() != "":
		return domain.ContentText, msg.GetConversation()
	case msg.GetExtendedTextMessage() != nil:
		return domain.ContentText, msg.GetExtendedTextMessage().GetText()
	case msg.GetImageMessage() != nil:
		return domain.ContentImage, msg.GetImageMessage().GetCaption()
	case msg.GetVideoMessage() != nil:
		return domain.ContentVideo, msg.GetVideoMessage().GetCaption()
	case msg.GetAudioMessage() != nil:
		return domain.ContentAudio, ""
	case msg.GetDocumentMessage() != nil:
		return domain.ContentDocument, msg.GetDocumentMessage().GetCaption()
	default:
		return domain.ContentText, ""
	}
}

// Disconnect closes the socket without touching the stored credential, so a
// later Connect resumes the same pairing.
func (ad *WhatsmeowAdapter) Disconnect(sessionID string) {
	ad.clientsMux.RLock()
	cli := ad.clients[sessionID]
	ad.clientsMux.RUnlock()
	if cli != nil {
		cli.Disconnect()
	}
}

// Logout closes the connection, removes the stored device credential and
// forgets the client, so the session id can pair from scratch. Safe to call
// for sessions that never paired.
func (ad *WhatsmeowAdapter) Logout(ctx context.Context, sessionID string) error {
	ad.clientsMux.Lock()
	cli := ad.clients[sessionID]
	delete(ad.clients, sessionID)
	ad.clientsMux.Unlock()
	if cli == nil {
		return nil
	}
	if cli.IsConnected() && cli.IsLoggedIn() {
		if err := cli.Logout(); err != nil {
			zap.L().Warn("transport: remote logout failed, purging local credential anyway",
				zap.Error(err), zap.String("session_id", sessionID))
		}
	} else {
		cli.Disconnect()
	}
	if cli.Store != nil {
		if err := ad.store.DeleteDevice(cli.Store); err != nil {
			return errors.Wrap(err, "delete stored device")
		}
	}
	zap.L().Info("transport: credential purged", zap.String("session_id", sessionID))
	return nil
}

func (ad *WhatsmeowAdapter) ready(sessionID string) (*whatsmeow.Client, error) {
	ad.clientsMux.RLock()
	cli := ad.clients[sessionID]
	ad.clientsMux.RUnlock()
	if cli == nil {
		return nil, errs.NotFound("session %s has no active client", sessionID)
	}
	if !cli.IsConnected() || !cli.IsLoggedIn() {
		return nil, errs.SessionNotReady("session %s is not connected", sessionID)
	}
	return cli, nil
}

// Send delivers an outbound message. For media content types the payload is
// fetched from evt.MediaURL, uploaded through whatsmeow's media endpoint and
// referenced from the outgoing message. On success the network-assigned
// message id and timestamp are written back into evt.
func (ad *WhatsmeowAdapter) Send(ctx context.Context, sessionID string, evt *domain.MessageEvent) error {
	cli, err := ad.ready(sessionID)
	if err != nil {
		return err
	}
	to, err := types.ParseJID(evt.RemoteID)
	if err != nil {
		return errs.Wrap(err, errs.KindInvalidArgument, "invalid recipient id")
	}

	msg, err := ad.buildOutbound(ctx, cli, evt)
	if err != nil {
		return err
	}
	resp, err := cli.SendMessage(ctx, to, msg)
	if err != nil {
		return errs.Wrap(err, errs.KindTransientTransport, "send failed")
	}
	evt.MessageID = string(resp.ID)
	evt.Timestamp = resp.Timestamp
	return nil
}

func (ad *WhatsmeowAdapter) buildOutbound(ctx context.Context, cli *whatsmeow.Client, evt *domain.MessageEvent) (*waE2E.Message, error) {
	if evt.ContentType == "" || evt.ContentType == domain.ContentText {
		return &waE2E.Message{Conversation: proto.String(evt.Content)}, nil
	}

	data, mime, err := fetchMedia(evt.MediaURL)
	if err != nil {
		return nil, errs.Wrap(err, errs.KindExternalAction, "fetch media")
	}
	var mediaType whatsmeow.MediaType
	switch evt.ContentType {
	case domain.ContentImage:
		mediaType = whatsmeow.MediaImage
	case domain.ContentVideo:
		mediaType = whatsmeow.MediaVideo
	case domain.ContentAudio:
		mediaType = whatsmeow.MediaAudio
	case domain.ContentDocument:
		mediaType = whatsmeow.MediaDocument
	default:
		return nil, errs.New(errs.KindInvalidArgument, "unsupported content type %s", evt.ContentType)
	}
	up, err := cli.Upload(ctx, data, mediaType)
	if err != nil {
		return nil, errs.Wrap(err, errs.KindTransientTransport, "media upload")
	}

	switch evt.ContentType {
	case domain.ContentImage:
		return &waE2E.Message{ImageMessage: &waE2E.ImageMessage{
			Caption:       proto.String(evt.Content),
			Mimetype:      proto.String(mime),
			URL:           &up.URL,
			DirectPath:    &up.DirectPath,
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    &up.FileLength,
		}}, nil
	case domain.ContentVideo:
		return &waE2E.Message{VideoMessage: &waE2E.VideoMessage{
			Caption:       proto.String(evt.Content),
			Mimetype:      proto.String(mime),
			URL:           &up.URL,
			DirectPath:    &up.DirectPath,
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    &up.FileLength,
		}}, nil
	case domain.ContentAudio:
		return &waE2E.Message{AudioMessage: &waE2E.AudioMessage{
			Mimetype:      proto.String(mime),
			URL:           &up.URL,
			DirectPath:    &up.DirectPath,
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    &up.FileLength,
		}}, nil
	default:
		return &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{
			Caption:       proto.String(evt.Content),
			FileName:      proto.String(evt.FileName),
			Mimetype:      proto.String(mime),
			URL:           &up.URL,
			DirectPath:    &up.DirectPath,
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    &up.FileLength,
		}}, nil
	}
}

func fetchMedia(url string) ([]byte, string, error) {
	if url == "" {
		return nil, "", errors.New("media url is empty")
	}
	var body []byte
	var code int
	err := gout.GET(url).SetTimeout(30 * time.Second).Code(&code).BindBody(&body).Do()
	if err != nil {
		return nil, "", err
	}
	if code != http.StatusOK {
		return nil, "", errors.Errorf("unexpected media fetch status %d", code)
	}
	return body, http.DetectContentType(body), nil
}

// RequestPairingCode asks the network for a phone-number pairing code. The
// client must be connected but not yet logged in.
func (ad *WhatsmeowAdapter) RequestPairingCode(ctx context.Context, sessionID, phone string) (string, error) {
	ad.clientsMux.RLock()
	cli := ad.clients[sessionID]
	ad.clientsMux.RUnlock()
	if cli == nil {
		return "", errs.NotFound("session %s has no active client", sessionID)
	}
	if cli.IsLoggedIn() {
		return "", errs.New(errs.KindInvalidArgument, "session %s is already paired", sessionID)
	}
	if !cli.IsConnected() {
		return "", errs.SessionNotReady("session %s is not connected yet", sessionID)
	}
	code, err := cli.PairPhone(phone, true, whatsmeow.PairClientChrome, "Chrome (Linux)")
	if err != nil {
		return "", errs.Wrap(err, errs.KindTransientTransport, "pairing code request failed")
	}
	return code, nil
}

// DeleteMessage revokes a previously delivered message in a chat.
func (ad *WhatsmeowAdapter) DeleteMessage(ctx context.Context, sessionID, chatID, senderID, messageID string) error {
	cli, err := ad.ready(sessionID)
	if err != nil {
		return err
	}
	chat, err := types.ParseJID(chatID)
	if err != nil {
		return errs.Wrap(err, errs.KindInvalidArgument, "invalid chat id")
	}
	sender, err := types.ParseJID(senderID)
	if err != nil {
		return errs.Wrap(err, errs.KindInvalidArgument, "invalid sender id")
	}
	_, err = cli.SendMessage(ctx, chat, cli.BuildRevoke(chat, sender, types.MessageID(messageID)))
	if err != nil {
		return errs.Wrap(err, errs.KindExternalAction, "revoke message")
	}
	return nil
}

// RemoveParticipant removes a member from a group chat.
func (ad *WhatsmeowAdapter) RemoveParticipant(ctx context.Context, sessionID, groupID, memberID string) error {
	cli, err := ad.ready(sessionID)
	if err != nil {
		return err
	}
	group, err := types.ParseJID(groupID)
	if err != nil {
		return errs.Wrap(err, errs.KindInvalidArgument, "invalid group id")
	}
	member, err := types.ParseJID(memberID)
	if err != nil {
		return errs.Wrap(err, errs.KindInvalidArgument, "invalid member id")
	}
	_, err = cli.UpdateGroupParticipants(group, []types.JID{member}, whatsmeow.ParticipantChangeRemove)
	if err != nil {
		return errs.Wrap(err, errs.KindExternalAction, "remove participant")
	}
	return nil
}

// GroupSubject returns the display subject of a group chat.
func (ad *WhatsmeowAdapter) GroupSubject(ctx context.Context, sessionID, groupID string) (string, error) {
	cli, err := ad.ready(sessionID)
	if err != nil {
		return "", err
	}
	group, err := types.ParseJID(groupID)
	if err != nil {
		return "", errs.Wrap(err, errs.KindInvalidArgument, "invalid group id")
	}
	info, err := cli.GetGroupInfo(group)
	if err != nil {
		return "", errs.Wrap(err, errs.KindExternalAction, "group info")
	}
	return info.Name, nil
}

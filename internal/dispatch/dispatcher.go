package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/bpark/bparkd/internal/domain"
	"github.com/bpark/bparkd/internal/ops"
	"github.com/bpark/bparkd/internal/parking"
	"github.com/bpark/bparkd/internal/platform/ratelimit"
	"github.com/bpark/bparkd/internal/repo/postgres"
	"github.com/bpark/bparkd/internal/reservation"
	"github.com/bpark/bparkd/internal/session"
	"github.com/bpark/bparkd/pkg/logger"
)

// Wire formats for the Reserve start time and the report month argument.
const (
	timeLayout  = "2006-01-02 15:04"
	monthLayout = "2006-01"
)

// Reply is what a handler hands back to the transport. An all-zero Reply
// means "send nothing", used for silently denied commands. Blob replies
// carry a workbook next to the text.
type Reply struct {
	Text    string
	BlobTag string
	Blob    []byte
}

func text(format string, args ...any) Reply {
	return Reply{Text: fmt.Sprintf(format, args...)}
}

// Request is one decoded client command.
type Request struct {
	Conn   session.Conn
	Tokens []string
}

func (r Request) arg(i int) string {
	if i+1 < len(r.Tokens) {
		return r.Tokens[i+1]
	}
	return ""
}

type handlerFunc func(ctx context.Context, req Request, sess domain.ClientSession) Reply

type command struct {
	args    int
	roles   []domain.Role // nil means any signed-in role
	silent  bool          // deny without replying
	anon    bool          // may run before sign-in
	handler handlerFunc
}

// AuthConfig feeds worker access tokens for the ops HTTP endpoints.
type AuthConfig struct {
	JWTSecret  string
	SessionTTL time.Duration
}

// Dispatcher owns the static command table: name, arity, allowed roles,
// handler. It is the only component that speaks the reply vocabulary.
type Dispatcher struct {
	registry    *session.Registry
	engine      *reservation.Engine
	manager     *parking.Manager
	history     postgres.HistoryRepository
	subscribers postgres.SubscriberRepository
	tags        postgres.TagReaderRepository
	reports     ReportStore
	limiter     ratelimit.Limiter
	auth        AuthConfig
	commands    map[string]command
}

// ReportStore is the slice of the report generator the dispatcher needs.
type ReportStore interface {
	ParkingReport(ctx context.Context, month time.Time) ([]byte, error)
	SubscriberReport(ctx context.Context, subscriberID string, month time.Time) ([]byte, error)
}

func NewDispatcher(
	registry *session.Registry,
	engine *reservation.Engine,
	manager *parking.Manager,
	history postgres.HistoryRepository,
	subscribers postgres.SubscriberRepository,
	tags postgres.TagReaderRepository,
	reports ReportStore,
	limiter ratelimit.Limiter,
	auth AuthConfig,
) *Dispatcher {
	d := &Dispatcher{
		registry:    registry,
		engine:      engine,
		manager:     manager,
		history:     history,
		subscribers: subscribers,
		tags:        tags,
		reports:     reports,
		limiter:     limiter,
		auth:        auth,
	}
	workers := []domain.Role{domain.RoleUsher, domain.RoleManager}
	managers := []domain.Role{domain.RoleManager}
	d.commands = map[string]command{
		"user sign in":      {args: 2, anon: true, handler: d.signInSubscriber("USERTerminal")},
		"user sign in away": {args: 2, anon: true, handler: d.signInSubscriber("USERAway")},
		"worker sign in":    {args: 2, anon: true, handler: d.signInWorker},
		"tagreader sign in": {args: 1, anon: true, handler: d.signInTag},
		"LOGOUT":            {anon: true, handler: d.logout},

		"Reserve":       {args: 2, handler: d.reserve},
		"Check_Reserve": {args: 1, handler: d.claim},

		"Get_ParkingCode_Termenal":       {args: 1, handler: d.issueCode},
		"Retrieve_Car_Termenal":          {args: 1, handler: d.retrieve},
		"EXTEND_PARKING":                 {args: 2, handler: d.extend},
		"CHECK_ACTIVE_PARKING":           {handler: d.parkingStatus},
		"Get_My_Parking_Status_Termenal": {handler: d.parkingStatus},
		"Check_Avilable_Spots":           {handler: d.availableSpots},
		"Check_Avilable_Spots_Termenal":  {handler: d.availableSpots},
		"Forgot_Code":                    {handler: d.forgotCode},

		"GET_HISTORY":          {handler: d.ownHistory},
		"Personal_Data":        {handler: d.personalData},
		"UPDATE_PERSONAL_DATA": {args: 3, handler: d.updatePersonalData},

		"ADD_SUB":                 {args: 3, roles: workers, handler: d.addSubscriber},
		"ADD_TAG_READER":          {args: 1, roles: workers, handler: d.addTagReader},
		"GET_ACTIVE_PARKINGSPOT":  {roles: workers, silent: true, handler: d.activeSpots},
		"GET_ALL_SUBSCRIBERS":     {roles: workers, silent: true, handler: d.allSubscribers},
		"SHOW_SUBSCRIBER_HISTORY": {args: 1, roles: workers, handler: d.subscriberHistory},

		"PARKING_REPORT":      {args: 1, roles: managers, handler: d.parkingReport},
		"SUBSCRIPTION_REPORT": {args: 2, roles: managers, handler: d.subscriptionReport},
	}
	return d
}

// Handle runs one command and returns its reply. Role checks and arity
// checks happen here so handlers only see well-formed requests.
func (d *Dispatcher) Handle(ctx context.Context, req Request) Reply {
	if len(req.Tokens) == 0 {
		return text("ERROR_BAD_REQUEST")
	}
	name := req.Tokens[0]
	cmd, ok := d.commands[name]
	if !ok {
		return text("ERROR_UNKNOWN_COMMAND")
	}

	timer := prometheus.NewTimer(ops.CommandDuration.WithLabelValues(name))
	defer timer.ObserveDuration()

	if len(req.Tokens)-1 < cmd.args {
		ops.CommandsTotal.WithLabelValues(name, "bad_request").Inc()
		return text("ERROR_BAD_REQUEST")
	}

	sess, signedIn := d.registry.Get(req.Conn.ID())
	if !cmd.anon {
		if !signedIn {
			ops.CommandsTotal.WithLabelValues(name, "unauthenticated").Inc()
			return text("ERROR_NOT_SIGNED_IN")
		}
		if !roleAllowed(cmd.roles, sess.Role) {
			ops.CommandsTotal.WithLabelValues(name, "denied").Inc()
			logger.WarnContext(ctx, "command denied",
				"command", name, "role", sess.Role, "identity_id", sess.IdentityID)
			if cmd.silent {
				return Reply{}
			}
			return text("ERROR_UNAUTHORIZED")
		}
		d.registry.Touch(req.Conn.ID())
		ctx = context.WithValue(ctx, logger.SubscriberIDKey, sess.IdentityID)
	}

	reply := cmd.handler(ctx, req, sess)
	ops.CommandsTotal.WithLabelValues(name, "handled").Inc()
	return reply
}

func roleAllowed(roles []domain.Role, role domain.Role) bool {
	if roles == nil {
		return true
	}
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}

// ---- sign-in / sign-out ----

func (d *Dispatcher) signInSubscriber(mode string) handlerFunc {
	return func(ctx context.Context, req Request, _ domain.ClientSession) Reply {
		if !d.limiter.Allow(ctx, req.arg(0)+":"+req.Conn.RemoteAddr()) {
			return text("SIGN_IN_RATE_LIMITED")
		}
		sub, err := d.registry.SignInSubscriber(ctx, req.Conn, req.arg(0), req.arg(1))
		switch {
		case errors.Is(err, session.ErrNotFound):
			return text("SIGN_IN_Fail USER")
		case errors.Is(err, session.ErrNameMismatch):
			logger.WarnContext(ctx, "subscriber sign-in name mismatch", "subscriber_id", req.arg(0))
			return text("SIGN_IN_Fail USER")
		case errors.Is(err, session.ErrAlreadyConnected):
			return text("SIGN_IN_TWICE_LOGOUT")
		case err != nil:
			logger.ErrorContext(ctx, "subscriber sign-in", "error", err)
			return text("SIGN_IN_Fail USER")
		}
		logger.InfoContext(ctx, "subscriber signed in", "subscriber_id", sub.ID, "mode", mode)
		return text("SIGN_IN_SUCCESS %s %s", mode, sub.Name)
	}
}

func (d *Dispatcher) signInWorker(ctx context.Context, req Request, _ domain.ClientSession) Reply {
	if !d.limiter.Allow(ctx, req.arg(0)+":"+req.Conn.RemoteAddr()) {
		return text("SIGN_IN_RATE_LIMITED")
	}
	w, err := d.registry.SignInWorker(ctx, req.Conn, req.arg(0), req.arg(1))
	switch {
	case errors.Is(err, session.ErrNotFound):
		return text("SIGN_IN_Fail Worker")
	case errors.Is(err, session.ErrAlreadyConnected):
		return text("SIGN_IN_TWICE")
	case err != nil:
		logger.ErrorContext(ctx, "worker sign-in", "error", err)
		return text("SIGN_IN_Fail Worker")
	}

	token, err := session.NewAccessToken(w.ID, w.Role, d.auth.JWTSecret, d.auth.SessionTTL)
	if err != nil {
		logger.ErrorContext(ctx, "mint worker token", "error", err)
		return text("SIGN_IN_SUCCESS Worker %s", w.Role.Flag())
	}
	logger.InfoContext(ctx, "worker signed in", "worker_id", w.ID, "role", w.Role)
	return text("SIGN_IN_SUCCESS Worker %s %s", w.Role.Flag(), token)
}

func (d *Dispatcher) signInTag(ctx context.Context, req Request, _ domain.ClientSession) Reply {
	tagID, err := strconv.Atoi(req.arg(0))
	if err != nil {
		return text("SIGN_IN_Fail USER")
	}
	if !d.limiter.Allow(ctx, req.arg(0)+":"+req.Conn.RemoteAddr()) {
		return text("SIGN_IN_RATE_LIMITED")
	}
	sub, err := d.registry.SignInTag(ctx, req.Conn, tagID)
	switch {
	case errors.Is(err, session.ErrNotFound):
		return text("SIGN_IN_Fail USER")
	case errors.Is(err, session.ErrAlreadyConnected):
		return text("SIGN_IN_TWICE_LOGOUT")
	case err != nil:
		logger.ErrorContext(ctx, "tag sign-in", "error", err)
		return text("SIGN_IN_Fail USER")
	}
	return text("SIGN_IN_SUCCESS USERTerminal %s", sub.Name)
}

func (d *Dispatcher) logout(ctx context.Context, req Request, _ domain.ClientSession) Reply {
	d.registry.Logout(req.Conn.ID())
	return text("LOGOUT_SUCCESS")
}

// ---- reservations ----

func (d *Dispatcher) reserve(ctx context.Context, req Request, sess domain.ClientSession) Reply {
	start, err := time.Parse(timeLayout, req.arg(0))
	if err != nil {
		return text("RESERVE_TIME_ERROR")
	}
	durationMin, err := strconv.Atoi(req.arg(1))
	if err != nil {
		return text("RESERVE_FAIL")
	}

	status, id, err := d.engine.Reserve(ctx, sess.IdentityID, start, durationMin)
	if err != nil {
		logger.ErrorContext(ctx, "reserve", "error", err)
		return text("RESERVE_FAIL")
	}
	switch status {
	case reservation.ReserveCreated:
		return text("RESERVE_SUCCESS %d", id)
	case reservation.ReserveTimeRejected:
		return text("RESERVE_TIME_ERROR")
	case reservation.ReserveDuplicateDate:
		return text("RESERVE_Exist")
	case reservation.ReserveNoSpot:
		return text("RESERVE_TIME_FAIL")
	default:
		// Includes ReserveNoCapacity: the lot is below the admission share.
		return text("RESERVE_FAIL")
	}
}

func (d *Dispatcher) claim(ctx context.Context, req Request, sess domain.ClientSession) Reply {
	reservationID, err := strconv.Atoi(req.arg(0))
	if err != nil {
		return text("ParkWithReservation Failed TIME_PARSE")
	}

	status, historyID, err := d.engine.Claim(ctx, sess.IdentityID, reservationID)
	if err != nil {
		logger.ErrorContext(ctx, "claim reservation", "error", err)
		return text("ParkWithReservation Failed INSERT_HISTORY")
	}
	switch status {
	case reservation.ClaimStarted:
		return text("ParkWithReservation Success %d", historyID)
	case reservation.ClaimNotFound:
		return text("ParkWithReservation Failed NOT_FOUND")
	case reservation.ClaimTooEarly:
		return text("ParkWithReservation Failed EARLY_ARRIVE")
	case reservation.ClaimAlreadyUsed:
		return text("ParkWithReservation Failed ALREADY_USED")
	case reservation.ClaimSpotFailed:
		return text("ParkWithReservation Failed UPDATE_SPOT")
	default:
		return text("ParkWithReservation Failed INSERT_HISTORY")
	}
}

// ---- live sessions ----

func (d *Dispatcher) issueCode(ctx context.Context, req Request, sess domain.ClientSession) Reply {
	durationMin, err := strconv.Atoi(req.arg(0))
	if err != nil {
		return text("GET_PARKING_CODE_FAIL")
	}

	status, code, err := d.manager.IssueCode(ctx, sess.IdentityID, durationMin)
	if err != nil {
		logger.ErrorContext(ctx, "issue parking code", "error", err)
		return text("GET_PARKING_CODE_FAIL")
	}
	switch status {
	case parking.IssueOK:
		return text("GET_PARKING_CODE_SUCCESS %d", code)
	case parking.IssueAlreadyParked:
		return text("GET_PARKING_CODE_WARNING")
	default:
		return text("GET_PARKING_CODE_FAIL")
	}
}

func (d *Dispatcher) retrieve(ctx context.Context, req Request, sess domain.ClientSession) Reply {
	historyID, err := strconv.Atoi(req.arg(0))
	if err != nil {
		return text("RETRIEVING_CAR_FAILED")
	}

	status, err := d.manager.Retrieve(ctx, sess.IdentityID, historyID)
	if err != nil {
		logger.ErrorContext(ctx, "retrieve car", "error", err)
		return text("RETRIEVING_CAR_FAILED")
	}
	switch status {
	case parking.RetrieveOK:
		return text("RETRIEVING_CAR_SUCCESS")
	case parking.RetrieveNoCar:
		return text("NO_CAR_TO_RETRIEVE")
	default:
		return text("RETRIEVING_CAR_FAILED")
	}
}

func (d *Dispatcher) extend(ctx context.Context, req Request, sess domain.ClientSession) Reply {
	subscriberID := req.arg(0)
	// Subscribers may only extend their own session.
	if !sess.Role.IsWorker() && subscriberID != sess.IdentityID {
		return text("EXTENSION_DENIED: Not your parking session.")
	}
	minutes, err := strconv.Atoi(req.arg(1))
	if err != nil {
		return text("EXTENSION_DENIED: Invalid number of minutes.")
	}

	status, err := d.manager.Extend(ctx, subscriberID, minutes)
	if err != nil {
		logger.ErrorContext(ctx, "extend parking", "error", err)
		return text("EXTENSION_DENIED: Internal error.")
	}
	switch status {
	case parking.ExtendGranted:
		return text("EXTENSION_GRANTED: Your parking is now extended by %d minutes.", minutes)
	case parking.ExtendNoActive:
		return text("EXTENSION_DENIED: No active parking session.")
	case parking.ExtendInvalidMinutes:
		return text("EXTENSION_DENIED: Extension must be between 1 and 240 minutes.")
	case parking.ExtendAlreadyUsed:
		return text("EXTENSION_DENIED: Extension already used for this session.")
	case parking.ExtendSpotReserved:
		return text("EXTENSION_DENIED: The spot is reserved soon.")
	default:
		return text("EXTENSION_DENIED: Could not extend.")
	}
}

func (d *Dispatcher) parkingStatus(ctx context.Context, req Request, sess domain.ClientSession) Reply {
	open, err := d.manager.Status(ctx, sess.IdentityID)
	if err != nil {
		logger.ErrorContext(ctx, "parking status", "error", err)
		return text("ERROR_INTERNAL")
	}
	if open == nil {
		return text("NO_ACTIVE_PARKING")
	}
	return text("ACTIVE_PARKING %d %d %s %s",
		open.HistoryID, open.SpotID,
		open.EntryTime.Format(timeLayout), open.Deadline().Format(timeLayout))
}

func (d *Dispatcher) availableSpots(ctx context.Context, req Request, _ domain.ClientSession) Reply {
	n, err := d.manager.Available(ctx)
	if err != nil {
		logger.ErrorContext(ctx, "count available spots", "error", err)
		return text("ERROR_INTERNAL")
	}
	return text("AVAILABLE_SPOTS %d", n)
}

func (d *Dispatcher) forgotCode(ctx context.Context, req Request, sess domain.ClientSession) Reply {
	ok, err := d.manager.ResendCode(ctx, sess.IdentityID)
	if err != nil {
		logger.ErrorContext(ctx, "resend parking code", "error", err)
		return text("ERROR_INTERNAL")
	}
	if !ok {
		return text("NO_ACTIVE_PARKING")
	}
	return text("PARKING_CODE_SENT")
}

// ---- subscriber data ----

func (d *Dispatcher) ownHistory(ctx context.Context, req Request, sess domain.ClientSession) Reply {
	return d.historyReply(ctx, sess.IdentityID)
}

func (d *Dispatcher) subscriberHistory(ctx context.Context, req Request, _ domain.ClientSession) Reply {
	return d.historyReply(ctx, req.arg(0))
}

func (d *Dispatcher) historyReply(ctx context.Context, subscriberID string) Reply {
	sessions, err := d.history.ClosedBySubscriber(ctx, subscriberID)
	if err != nil {
		logger.ErrorContext(ctx, "load history", "error", err)
		return text("ERROR_INTERNAL")
	}
	return jsonReply("HISTORY", sessions)
}

func (d *Dispatcher) personalData(ctx context.Context, req Request, sess domain.ClientSession) Reply {
	sub, err := d.subscribers.GetByID(ctx, sess.IdentityID)
	if err != nil {
		logger.ErrorContext(ctx, "load subscriber", "error", err)
		return text("ERROR_INTERNAL")
	}
	if sub == nil {
		return text("ERROR_NO_SUCH_SUBSCRIBER")
	}
	return jsonReply("PERSONAL_DATA", sub)
}

func (d *Dispatcher) updatePersonalData(ctx context.Context, req Request, sess domain.ClientSession) Reply {
	id, phone, email := req.arg(0), req.arg(1), req.arg(2)
	if !sess.Role.IsWorker() && id != sess.IdentityID {
		return text("UPDATE_FAILED")
	}
	ok, err := d.subscribers.UpdateContact(ctx, id, phone, email)
	if err != nil {
		logger.ErrorContext(ctx, "update subscriber contact", "error", err)
		return text("UPDATE_FAILED")
	}
	if !ok {
		return text("UPDATE_FAILED")
	}
	return text("UPDATE_SUCCESS")
}

// ---- worker operations ----

func (d *Dispatcher) addSubscriber(ctx context.Context, req Request, _ domain.ClientSession) Reply {
	name, phone, email := req.arg(0), req.arg(1), req.arg(2)
	exists, err := d.subscribers.ExistsByProfile(ctx, name, phone, email)
	if err != nil {
		logger.ErrorContext(ctx, "check subscriber profile", "error", err)
		return text("ADD_SUB_FAILED")
	}
	if exists {
		return text("ADD_SUB_FAILED_EXISTS")
	}

	id, err := d.subscribers.NextID(ctx)
	if err != nil {
		logger.ErrorContext(ctx, "allocate subscriber id", "error", err)
		return text("ADD_SUB_FAILED")
	}
	if err := d.subscribers.Insert(ctx, domain.Subscriber{ID: id, Name: name, Phone: phone, Email: email}); err != nil {
		logger.ErrorContext(ctx, "insert subscriber", "error", err)
		return text("ADD_SUB_FAILED")
	}
	logger.InfoContext(ctx, "subscriber added", "subscriber_id", id)
	return text("ADD_SUB_SUCCESSFULLY %s", id)
}

func (d *Dispatcher) addTagReader(ctx context.Context, req Request, _ domain.ClientSession) Reply {
	subscriberID := req.arg(0)
	sub, err := d.subscribers.GetByID(ctx, subscriberID)
	if err != nil {
		logger.ErrorContext(ctx, "load subscriber", "error", err)
		return text("ERROR_INTERNAL")
	}
	if sub == nil {
		return text("ERROR_NO_SUCH_SUBSCRIBER")
	}

	hasTag, err := d.tags.HasTag(ctx, subscriberID)
	if err != nil {
		logger.ErrorContext(ctx, "check tag", "error", err)
		return text("ERROR_INTERNAL")
	}
	if hasTag {
		return text("ERROR_SUBSCRIBER_ALREADY_HAS_TAG")
	}

	tagID, err := d.uniqueTagID(ctx)
	if err != nil {
		logger.ErrorContext(ctx, "allocate tag id", "error", err)
		return text("ERROR_INTERNAL")
	}
	if err := d.tags.Insert(ctx, tagID, subscriberID); err != nil {
		logger.ErrorContext(ctx, "insert tag", "error", err)
		return text("ERROR_INTERNAL")
	}
	return text("ADD_TAG_SUCCESS %s %d", subscriberID, tagID)
}

// uniqueTagID draws random five-digit ids until one is free.
func (d *Dispatcher) uniqueTagID(ctx context.Context) (int, error) {
	for i := 0; i < 100; i++ {
		id := 10000 + rand.Intn(90000)
		exists, err := d.tags.TagIDExists(ctx, id)
		if err != nil {
			return 0, err
		}
		if !exists {
			return id, nil
		}
	}
	return 0, fmt.Errorf("no free tag id after 100 draws")
}

func (d *Dispatcher) activeSpots(ctx context.Context, req Request, _ domain.ClientSession) Reply {
	active, err := d.history.ActiveSessions(ctx)
	if err != nil {
		logger.ErrorContext(ctx, "list active sessions", "error", err)
		return text("ERROR_INTERNAL")
	}
	return jsonReply("ACTIVE_PARKINGSPOTS", active)
}

func (d *Dispatcher) allSubscribers(ctx context.Context, req Request, _ domain.ClientSession) Reply {
	subs, err := d.subscribers.List(ctx)
	if err != nil {
		logger.ErrorContext(ctx, "list subscribers", "error", err)
		return text("ERROR_INTERNAL")
	}
	return jsonReply("ALL_SUBSCRIBERS", subs)
}

// ---- reports ----

func (d *Dispatcher) parkingReport(ctx context.Context, req Request, _ domain.ClientSession) Reply {
	month, err := time.Parse(monthLayout, req.arg(0))
	if err != nil {
		return text("REPORT_BAD_DATE")
	}
	blob, err := d.reports.ParkingReport(ctx, month)
	if err != nil {
		logger.ErrorContext(ctx, "fetch parking report", "error", err)
		return text("ERROR_INTERNAL")
	}
	if blob == nil {
		return text("REPORT_NOT_FOUND")
	}
	return Reply{Text: "PARKING_REPORT", BlobTag: "parking_report", Blob: blob}
}

func (d *Dispatcher) subscriptionReport(ctx context.Context, req Request, _ domain.ClientSession) Reply {
	subscriberID := req.arg(0)
	month, err := time.Parse(monthLayout, req.arg(1))
	if err != nil {
		return text("REPORT_BAD_DATE")
	}
	blob, err := d.reports.SubscriberReport(ctx, subscriberID, month)
	if err != nil {
		logger.ErrorContext(ctx, "fetch subscriber report", "error", err)
		return text("ERROR_INTERNAL")
	}
	if blob == nil {
		return text("REPORT_NOT_FOUND")
	}
	return Reply{Text: "SUBSCRIPTION_REPORT", BlobTag: "subscription_report", Blob: blob}
}

func jsonReply(tag string, v any) Reply {
	data, err := json.Marshal(v)
	if err != nil {
		logger.Error("marshal reply payload", "tag", tag, "error", err)
		return text("ERROR_INTERNAL")
	}
	return text("%s %s", tag, data)
}

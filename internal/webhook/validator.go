package webhook

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"driverelay/internal/relay"
	"driverelay/internal/tenant"
	logx "driverelay/pkg/logx"
)

//go:embed notification.schema.json
var notificationSchema []byte

// Authenticator resolves the tenant that owns a subscription and checks
// the echoed clientState against its secret.
type Authenticator interface {
	Authenticate(subscriptionID, clientState string) (*tenant.Tenant, bool)
}

type Kind int

const (
	Rejected Kind = iota
	Handshake
	Authenticated
)

// Entry is one authenticated change of a batch.
type Entry struct {
	Tenant       *tenant.Tenant
	Notification relay.Notification
}

// Validation is the validator's verdict on a request. For Authenticated,
// Entries may be empty (nothing to do). For Rejected, Status is 400 or 401
// and Reason is for the log only.
type Validation struct {
	Kind    Kind
	Token   string
	Entries []Entry
	Status  int
	Reason  string
}

type envelope struct {
	Value []struct {
		SubscriptionID string `json:"subscriptionId"`
		ClientState    string `json:"clientState"`
		Resource       string `json:"resource"`
		ChangeType     string `json:"changeType"`
		TenantID       string `json:"tenantId"`
	} `json:"value"`
}

type Validator struct {
	auth   Authenticator
	schema *jsonschema.Schema
	log    logx.Logger
	// firstOnly keeps only the first entry of a batch.
	firstOnly bool
}

func NewValidator(auth Authenticator, allEntries bool, log logx.Logger) (*Validator, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(notificationSchema))
	if err != nil {
		return nil, fmt.Errorf("notification schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("notification.schema.json", doc); err != nil {
		return nil, fmt.Errorf("notification schema: %w", err)
	}
	sch, err := c.Compile("notification.schema.json")
	if err != nil {
		return nil, fmt.Errorf("notification schema: %w", err)
	}
	return &Validator{auth: auth, schema: sch, log: log, firstOnly: !allEntries}, nil
}

// Validate classifies a request. A validationToken query parameter wins
// over anything in the body, including readErr. An empty body carries no
// entries. Every entry must authenticate; one bad secret rejects the whole
// batch.
func (v *Validator) Validate(r *http.Request, body []byte, readErr error) Validation {
	if tok := r.URL.Query().Get("validationToken"); tok != "" {
		return Validation{Kind: Handshake, Token: tok}
	}
	if readErr != nil {
		return badBody(readErr)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return Validation{Kind: Authenticated}
	}

	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return badBody(err)
	}
	if err := v.schema.Validate(inst); err != nil {
		return badBody(err)
	}
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return badBody(err)
	}

	values := env.Value
	if v.firstOnly && len(values) > 1 {
		values = values[:1]
	}
	out := Validation{Kind: Authenticated, Entries: make([]Entry, 0, len(values))}
	for i, n := range values {
		t, ok := v.auth.Authenticate(n.SubscriptionID, n.ClientState)
		if !ok {
			v.log.Warn("notification rejected: client state mismatch",
				logx.String("event", "security"),
				logx.String("subscription", n.SubscriptionID),
				logx.Int("entry", i),
				logx.String("remote", r.RemoteAddr),
			)
			return Validation{Kind: Rejected, Status: http.StatusUnauthorized, Reason: "client state mismatch"}
		}
		out.Entries = append(out.Entries, Entry{
			Tenant: t,
			Notification: relay.Notification{
				SubscriptionID: n.SubscriptionID,
				Resource:       n.Resource,
				ChangeType:     n.ChangeType,
				TenantID:       n.TenantID,
			},
		})
	}
	return out
}

func badBody(err error) Validation {
	return Validation{Kind: Rejected, Status: http.StatusBadRequest, Reason: err.Error()}
}

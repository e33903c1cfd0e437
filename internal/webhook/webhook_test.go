package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/idako2023/frappe-shopee/internal/db/dbtest"
	"github.com/idako2023/frappe-shopee/internal/logging"
	"github.com/idako2023/frappe-shopee/internal/tokens"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	hookURL    = "https://api.example.com/integrations/shopee/webhook"
	partnerKey = "test-partner-key"
)

var received = time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)

type recordingDeauth struct {
	mu    sync.Mutex
	calls []tokens.Subject
	fail  map[tokens.Subject]error
}

func (r *recordingDeauth) Deauthorize(_ context.Context, s tokens.Subject) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, s)
	return r.fail[s]
}

type recordingForwarder struct {
	events []Event
	err    error
}

func (f *recordingForwarder) Forward(_ context.Context, ev Event) error {
	f.events = append(f.events, ev)
	return f.err
}

func newDispatcher() (*Dispatcher, *recordingDeauth, *recordingForwarder) {
	deauth := &recordingDeauth{fail: map[tokens.Subject]error{}}
	fwd := &recordingForwarder{}
	d := NewDispatcher(partnerKey, deauth, logging.Discard())
	d.Forward = fwd
	d.Now = func() time.Time { return received }
	return d, deauth, fwd
}

// signed builds a delivery the way the marketplace signs pushes.
func signed(body string) Delivery {
	mac := hmac.New(sha256.New, []byte(partnerKey))
	mac.Write([]byte(hookURL + "|" + body))
	return Delivery{URL: hookURL, Body: []byte(body), Signature: hex.EncodeToString(mac.Sum(nil))}
}

func TestDispatch_DeauthUnionsAndDedupes(t *testing.T) {
	d, deauth, fwd := newDispatcher()

	out, err := d.Dispatch(context.Background(), signed(`{"code":2,"shop_id":5,"shop_id_list":[5,6],"merchant_id":9,"merchant_id_list":[9]}`))
	require.NoError(t, err)
	assert.True(t, out.Known)
	assert.Equal(t, CodeDeauthorized, out.Code)
	assert.Equal(t, []tokens.Subject{tokens.Shop(5), tokens.Shop(6), tokens.Merchant(9)}, deauth.calls)
	assert.Equal(t, deauth.calls, out.Deauthorized)
	assert.Empty(t, fwd.events)
}

func TestDispatch_DeauthReadsDataObject(t *testing.T) {
	d, deauth, _ := newDispatcher()

	_, err := d.Dispatch(context.Background(), signed(`{"code":2,"shop_id":5,"data":{"shop_id_list":[6,5],"merchant_id":3}}`))
	require.NoError(t, err)
	assert.Equal(t, []tokens.Subject{tokens.Shop(5), tokens.Shop(6), tokens.Merchant(3)}, deauth.calls)
}

func TestDispatch_DeauthFailureIsAcknowledged(t *testing.T) {
	d, deauth, _ := newDispatcher()
	boom := errors.New("dynamo down")
	deauth.fail[tokens.Shop(5)] = boom

	out, err := d.Dispatch(context.Background(), signed(`{"code":2,"shop_id_list":[5,6]}`))
	require.NoError(t, err)
	assert.Equal(t, []tokens.Subject{tokens.Shop(6)}, out.Deauthorized)
	require.Len(t, out.Failures, 1)
	assert.ErrorIs(t, out.Failures[0], boom)
}

func TestDispatch_UnknownCodeIsAcknowledged(t *testing.T) {
	d, deauth, fwd := newDispatcher()

	out, err := d.Dispatch(context.Background(), signed(`{"code":99,"shop_id":1}`))
	require.NoError(t, err)
	assert.False(t, out.Known)
	assert.Equal(t, EventCode(99), out.Code)
	assert.Empty(t, deauth.calls)
	assert.Empty(t, fwd.events)
}

func TestDispatch_ForwardsOtherCodes(t *testing.T) {
	d, deauth, fwd := newDispatcher()

	out, err := d.Dispatch(context.Background(), signed(`{"code":3,"shop_id":12,"timestamp":1719792000,"data":{"ordersn":"X1","status":"READY_TO_SHIP"}}`))
	require.NoError(t, err)
	assert.True(t, out.Forwarded)
	assert.Empty(t, deauth.calls)
	require.Len(t, fwd.events, 1)

	ev := fwd.events[0]
	assert.Equal(t, CodeOrderStatus, ev.Code)
	assert.Equal(t, int64(12), ev.ShopID)
	assert.Equal(t, int64(1719792000), ev.Timestamp)
	assert.Equal(t, received, ev.ReceivedAt)
	assert.JSONEq(t, `{"ordersn":"X1","status":"READY_TO_SHIP"}`, string(ev.Data))
}

func TestDispatch_ForwardFailureIsAcknowledged(t *testing.T) {
	d, _, fwd := newDispatcher()
	fwd.err = errors.New("sns throttled")

	out, err := d.Dispatch(context.Background(), signed(`{"code":5,"shop_id":1}`))
	require.NoError(t, err)
	assert.False(t, out.Forwarded)
	assert.Len(t, out.Failures, 1)
}

func TestDispatch_RejectsTampering(t *testing.T) {
	d, deauth, _ := newDispatcher()
	body := `{"code":2,"shop_id":5}`
	good := signed(body)

	tampered := good
	tampered.Body = []byte(`{"code":2,"shop_id":6}`)
	_, err := d.Dispatch(context.Background(), tampered)
	assert.ErrorIs(t, err, ErrSignature)

	wrongURL := good
	wrongURL.URL = "https://evil.example.com/webhook"
	_, err = d.Dispatch(context.Background(), wrongURL)
	assert.ErrorIs(t, err, ErrSignature)

	noHeader := good
	noHeader.Signature = ""
	_, err = d.Dispatch(context.Background(), noHeader)
	assert.ErrorIs(t, err, ErrSignature)

	assert.Empty(t, deauth.calls)
}

func TestDispatch_HeaderCaseAndSpaceTolerated(t *testing.T) {
	d, deauth, _ := newDispatcher()
	del := signed(`{"code":2,"shop_id":5}`)
	del.Signature = "  " + strings.ToUpper(del.Signature) + "\n"

	_, err := d.Dispatch(context.Background(), del)
	require.NoError(t, err)
	assert.Equal(t, []tokens.Subject{tokens.Shop(5)}, deauth.calls)
}

func TestDispatch_MissingKeyIsMisconfigured(t *testing.T) {
	d, deauth, _ := newDispatcher()
	d.PartnerKey = ""

	_, err := d.Dispatch(context.Background(), signed(`{"code":2,"shop_id":5}`))
	assert.ErrorIs(t, err, ErrMisconfigured)
	assert.NotErrorIs(t, err, ErrSignature)
	assert.Empty(t, deauth.calls)
}

func TestDispatch_MalformedPayloadIsAcknowledged(t *testing.T) {
	d, deauth, _ := newDispatcher()

	out, err := d.Dispatch(context.Background(), signed(`{"code":"two"`))
	require.NoError(t, err)
	assert.True(t, out.Malformed)
	assert.Empty(t, deauth.calls)
}

func TestDispatch_DuplicateDeliverySkipped(t *testing.T) {
	d, deauth, _ := newDispatcher()
	fake := dbtest.NewFake()
	d.Dedupe = NewDedupeStore(fake, "dedupe")
	del := signed(`{"code":2,"shop_id":5}`)

	first, err := d.Dispatch(context.Background(), del)
	require.NoError(t, err)
	assert.False(t, first.Duplicate)

	second, err := d.Dispatch(context.Background(), del)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Len(t, deauth.calls, 1)
	assert.Len(t, fake.Items("dedupe"), 1)
}

func TestDispatch_DedupeErrorStillProcesses(t *testing.T) {
	d, deauth, _ := newDispatcher()
	fake := dbtest.NewFake()
	fake.Err["PutItem"] = errors.New("throttled")
	d.Dedupe = NewDedupeStore(fake, "dedupe")

	_, err := d.Dispatch(context.Background(), signed(`{"code":2,"shop_id":5}`))
	require.NoError(t, err)
	assert.Len(t, deauth.calls, 1)
}

func TestEventCode_String(t *testing.T) {
	assert.Equal(t, "deauthorized", CodeDeauthorized.String())
	assert.Equal(t, "shipping_document_status", CodeShippingDocumentStatus.String())
	assert.Equal(t, "unknown_14", EventCode(14).String())
}

func TestEvent_Subject(t *testing.T) {
	s, ok := Event{ShopID: 3, MerchantID: 7}.Subject()
	assert.True(t, ok)
	assert.Equal(t, tokens.Shop(3), s)

	s, ok = Event{MerchantID: 7}.Subject()
	assert.True(t, ok)
	assert.Equal(t, tokens.Merchant(7), s)

	_, ok = Event{}.Subject()
	assert.False(t, ok)
}

type fakeSNS struct {
	in  *sns.PublishInput
	err error
}

func (f *fakeSNS) Publish(_ context.Context, in *sns.PublishInput, _ ...func(*sns.Options)) (*sns.PublishOutput, error) {
	f.in = in
	if f.err != nil {
		return nil, f.err
	}
	return &sns.PublishOutput{MessageId: aws.String("m-1")}, nil
}

func TestPublisher_Forward(t *testing.T) {
	client := &fakeSNS{}
	p := NewPublisher(client, "arn:aws:sns:ap-southeast-1:123:shopee-events")

	err := p.Forward(context.Background(), Event{Code: CodeTrackingNumber, ShopID: 4, ReceivedAt: received})
	require.NoError(t, err)
	require.NotNil(t, client.in)
	assert.Equal(t, "arn:aws:sns:ap-southeast-1:123:shopee-events", aws.ToString(client.in.TopicArn))
	assert.Equal(t, "4", aws.ToString(client.in.MessageAttributes[EventCodeAttribute].StringValue))
	assert.Equal(t, "Number", aws.ToString(client.in.MessageAttributes[EventCodeAttribute].DataType))

	var ev Event
	require.NoError(t, json.Unmarshal([]byte(aws.ToString(client.in.Message)), &ev))
	assert.Equal(t, CodeTrackingNumber, ev.Code)
	assert.Equal(t, int64(4), ev.ShopID)
}

func TestPublisher_ForwardError(t *testing.T) {
	boom := errors.New("denied")
	p := NewPublisher(&fakeSNS{err: boom}, "arn")
	err := p.Forward(context.Background(), Event{Code: CodeWebchat})
	assert.ErrorIs(t, err, boom)
}

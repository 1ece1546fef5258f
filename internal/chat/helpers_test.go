package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"polychat/internal/broker"
	"polychat/internal/channel"
	"polychat/internal/translate"
)

// ---------------------------------------------
// Store
// ---------------------------------------------

type memStore struct {
	mu           sync.Mutex
	users        map[int]*Member
	convos       map[int]*Conversation
	members      map[int][]int
	messages     []Message
	translations []Translation
	nextConvo    int
	nextMessage  int
	nextTrans    int

	translationErr error
}

func newMemStore() *memStore {
	return &memStore{
		users:       make(map[int]*Member),
		convos:      make(map[int]*Conversation),
		members:     make(map[int][]int),
		nextConvo:   100,
		nextMessage: 1000,
		nextTrans:   5000,
	}
}

func (s *memStore) addUser(id int, lang string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[id] = &Member{ID: id, Username: fmt.Sprintf("user%d", id), TargetLanguage: lang, APIKey: fmt.Sprintf("key-%d", id)}
}

func (s *memStore) addConversation(id int, isGroup bool, memberIDs ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.convos[id] = &Conversation{ID: id, IsGroup: isGroup, Fingerprint: Fingerprint(memberIDs)}
	s.members[id] = slices.Clone(memberIDs)
}

func (s *memStore) addMessage(m Message, trs ...Translation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextMessage++
	m.ID = s.nextMessage
	s.messages = append(s.messages, m)
	for _, tr := range trs {
		s.nextTrans++
		tr.ID = s.nextTrans
		tr.MessageID = m.ID
		s.translations = append(s.translations, tr)
	}
}

func (s *memStore) counts() (messages, translations int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages), len(s.translations)
}

func (s *memStore) memberIDs(convoID int) []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.members[convoID])
}

func (s *memStore) conversation(id int) Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.convos[id]
}

func (s *memStore) GetUser(_ context.Context, userID int) (*Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *memStore) ConversationIDs(_ context.Context, userID int) ([]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []int
	for id, members := range s.members {
		if slices.Contains(members, userID) {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)
	return ids, nil
}

func (s *memStore) IsMember(_ context.Context, conversationID, userID int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Contains(s.members[conversationID], userID), nil
}

func (s *memStore) FindByFingerprint(_ context.Context, fp string) ([]Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Conversation
	for _, c := range s.convos {
		if c.Fingerprint == fp && !c.IsGroup {
			out = append(out, *c)
		}
	}
	slices.SortFunc(out, func(a, b Conversation) int { return b.ID - a.ID })
	return out, nil
}

func (s *memStore) MemberIDs(_ context.Context, conversationID int) ([]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := slices.Clone(s.members[conversationID])
	sort.Ints(ids)
	return ids, nil
}

func (s *memStore) MarkRead(_ context.Context, translationID, userID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.translations {
		tr := &s.translations[i]
		if tr.ID == translationID && tr.TargetUserID == userID {
			tr.IsRead = 1
			return nil
		}
	}
	return ErrNotFound
}

// failTranslations makes every later CreateTranslation return err until it is
// called again with nil.
func (s *memStore) failTranslations(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.translationErr = err
}

func (s *memStore) translation(id int) (Translation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tr := range s.translations {
		if tr.ID == id {
			return tr, true
		}
	}
	return Translation{}, false
}

func (s *memStore) hasConversation(id int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.convos[id]
	return ok
}

func (s *memStore) History(_ context.Context, conversationID, userID, limit int) ([]HistoryItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []HistoryItem
	for _, m := range slices.Backward(s.messages) {
		if m.ConversationID != conversationID {
			continue
		}
		for _, tr := range s.translations {
			if tr.MessageID == m.ID && tr.TargetUserID == userID {
				out = append(out, HistoryItem{Message: m, TranslationID: tr.ID, Translation: tr.Text, IsRead: tr.IsRead})
			}
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *memStore) BeginTx(context.Context) (Tx, error) {
	return &memTx{s: s}, nil
}

// memTx reads committed state and buffers writes until Commit.
type memTx struct {
	s       *memStore
	pending []func()
	done    bool
}

func (t *memTx) GetConversation(_ context.Context, id int) (*Conversation, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	c, ok := t.s.convos[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (t *memTx) GetMembers(_ context.Context, conversationID int) ([]Member, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	var out []Member
	for _, id := range t.s.members[conversationID] {
		if u, ok := t.s.users[id]; ok {
			out = append(out, *u)
		}
	}
	return out, nil
}

func (t *memTx) RecentMessages(_ context.Context, conversationID int, language string, limit int) ([]PriorMessage, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	var out []PriorMessage
	for _, m := range slices.Backward(t.s.messages) {
		if m.ConversationID != conversationID {
			continue
		}
		pm := PriorMessage{Message: m}
		for _, tr := range t.s.translations {
			if tr.MessageID == m.ID && tr.Language == language {
				pm.Translated, pm.HasTranslated = tr.Text, true
				break
			}
		}
		out = append(out, pm)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (t *memTx) CreateMessage(_ context.Context, m *Message) error {
	t.s.mu.Lock()
	t.s.nextMessage++
	m.ID = t.s.nextMessage
	t.s.mu.Unlock()
	cp := *m
	t.pending = append(t.pending, func() { t.s.messages = append(t.s.messages, cp) })
	return nil
}

func (t *memTx) CreateTranslation(_ context.Context, tr *Translation) error {
	t.s.mu.Lock()
	if err := t.s.translationErr; err != nil {
		t.s.mu.Unlock()
		return err
	}
	t.s.nextTrans++
	tr.ID = t.s.nextTrans
	t.s.mu.Unlock()
	cp := *tr
	t.pending = append(t.pending, func() { t.s.translations = append(t.s.translations, cp) })
	return nil
}

func (t *memTx) UpdateLatestMessage(_ context.Context, conversationID, messageID int) error {
	t.pending = append(t.pending, func() {
		if c, ok := t.s.convos[conversationID]; ok {
			id := messageID
			c.LatestMessageID = &id
		}
	})
	return nil
}

func (t *memTx) CreateConversation(_ context.Context, c *Conversation) error {
	t.s.mu.Lock()
	t.s.nextConvo++
	c.ID = t.s.nextConvo
	t.s.mu.Unlock()
	cp := *c
	t.pending = append(t.pending, func() { t.s.convos[cp.ID] = &cp })
	return nil
}

func (t *memTx) AddMembers(_ context.Context, conversationID int, userIDs []int) error {
	t.pending = append(t.pending, func() {
		for _, id := range userIDs {
			if !slices.Contains(t.s.members[conversationID], id) {
				t.s.members[conversationID] = append(t.s.members[conversationID], id)
			}
		}
	})
	return nil
}

func (t *memTx) RemoveMembers(_ context.Context, conversationID int, userIDs []int) error {
	t.pending = append(t.pending, func() {
		t.s.members[conversationID] = slices.DeleteFunc(t.s.members[conversationID], func(id int) bool {
			return slices.Contains(userIDs, id)
		})
	})
	return nil
}

func (t *memTx) UpdateConversationName(_ context.Context, conversationID int, name *string) error {
	return t.updateConversation(conversationID, func(c *Conversation) { c.Name = name })
}

func (t *memTx) UpdateConversationPhoto(_ context.Context, conversationID int, photo *string) error {
	return t.updateConversation(conversationID, func(c *Conversation) { c.Photo = photo })
}

func (t *memTx) DeleteConversation(_ context.Context, conversationID int) error {
	t.s.mu.Lock()
	_, ok := t.s.convos[conversationID]
	t.s.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	t.pending = append(t.pending, func() {
		delete(t.s.convos, conversationID)
		delete(t.s.members, conversationID)
		var gone []int
		t.s.messages = slices.DeleteFunc(t.s.messages, func(m Message) bool {
			if m.ConversationID == conversationID {
				gone = append(gone, m.ID)
				return true
			}
			return false
		})
		t.s.translations = slices.DeleteFunc(t.s.translations, func(tr Translation) bool {
			return slices.Contains(gone, tr.MessageID)
		})
	})
	return nil
}

func (t *memTx) updateConversation(id int, fn func(*Conversation)) error {
	t.s.mu.Lock()
	_, ok := t.s.convos[id]
	t.s.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	t.pending = append(t.pending, func() { fn(t.s.convos[id]) })
	return nil
}

func (t *memTx) Commit() error {
	if t.done {
		return errors.New("tx already finished")
	}
	t.done = true
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	for _, op := range t.pending {
		op()
	}
	return nil
}

func (t *memTx) Rollback() error {
	t.done = true
	t.pending = nil
	return nil
}

// ---------------------------------------------
// Broker
// ---------------------------------------------

type fakeBroker struct {
	mu         sync.Mutex
	subs       map[*fakeSub]bool
	published  []Delivery
	publishErr error
	failNext   int
	calls      int
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{subs: make(map[*fakeSub]bool)}
}

func (b *fakeBroker) Publish(_ context.Context, ch string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	if b.publishErr != nil {
		return b.publishErr
	}
	if b.failNext > 0 {
		b.failNext--
		return errors.New("broker unavailable")
	}
	b.published = append(b.published, Delivery{Channel: ch, Payload: payload})
	for s := range b.subs {
		if s.channels[ch] {
			select {
			case s.msgs <- broker.Message{Channel: ch, Payload: payload}:
			default:
			}
		}
	}
	return nil
}

func (b *fakeBroker) Subscribe(_ context.Context, channels ...string) (broker.Subscription, error) {
	s := &fakeSub{b: b, channels: make(map[string]bool), msgs: make(chan broker.Message, 64), closed: make(chan struct{})}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range channels {
		s.channels[ch] = true
	}
	b.subs[s] = true
	return s, nil
}

func (b *fakeBroker) setPublishErr(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.publishErr = err
}

func (b *fakeBroker) publishCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

func (b *fakeBroker) publishedTo() []Delivery {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.published)
}

// subscribed reports whether any open handle listens on ch.
func (b *fakeBroker) subscribed(ch string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subs {
		if s.channels[ch] {
			return true
		}
	}
	return false
}

// residual counts channel subscriptions still held across all handles.
func (b *fakeBroker) residual() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for s := range b.subs {
		n += len(s.channels)
	}
	return n
}

type fakeSub struct {
	b         *fakeBroker
	channels  map[string]bool
	msgs      chan broker.Message
	closed    chan struct{}
	closeOnce sync.Once
}

func (s *fakeSub) Subscribe(_ context.Context, channels ...string) error {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	for _, ch := range channels {
		s.channels[ch] = true
	}
	return nil
}

func (s *fakeSub) Unsubscribe(_ context.Context, channels ...string) error {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	if len(channels) == 0 {
		clear(s.channels)
		return nil
	}
	for _, ch := range channels {
		delete(s.channels, ch)
	}
	return nil
}

func (s *fakeSub) Receive(ctx context.Context) (broker.Message, error) {
	select {
	case <-ctx.Done():
		return broker.Message{}, ctx.Err()
	case <-s.closed:
		return broker.Message{}, broker.ErrClosed
	case m := <-s.msgs:
		return m, nil
	}
}

func (s *fakeSub) Close() error {
	s.closeOnce.Do(func() {
		s.b.mu.Lock()
		delete(s.b.subs, s)
		s.b.mu.Unlock()
		close(s.closed)
	})
	return nil
}

// ---------------------------------------------
// Connection
// ---------------------------------------------

type fakeConn struct {
	in  chan []byte
	out chan []byte

	mu         sync.Mutex
	closeCalls int
	code       int
	reason     string
	closed     chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte), out: make(chan []byte, 64), closed: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case data, ok := <-c.in:
		if !ok {
			return nil, io.EOF
		}
		return data, nil
	case <-c.closed:
		return nil, errors.New("use of closed connection")
	}
}

func (c *fakeConn) WriteMessage(data []byte) error {
	select {
	case <-c.closed:
		return errors.New("use of closed connection")
	default:
	}
	select {
	case c.out <- data:
		return nil
	default:
		return errors.New("write buffer full")
	}
}

func (c *fakeConn) Close(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeCalls++
	if c.closeCalls == 1 {
		c.code, c.reason = code, reason
		close(c.closed)
	}
	return nil
}

func (c *fakeConn) closeState() (calls, code int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCalls, c.code
}

func (c *fakeConn) send(t *testing.T, v any) {
	t.Helper()
	data, ok := v.([]byte)
	if !ok {
		var err error
		if data, err = json.Marshal(v); err != nil {
			t.Fatal(err)
		}
	}
	select {
	case c.in <- data:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not read the frame")
	}
}

// next returns the next frame written to the client.
func (c *fakeConn) next(t *testing.T) channel.Envelope {
	t.Helper()
	select {
	case data := <-c.out:
		var env channel.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("frame %q: %v", data, err)
		}
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("no frame written")
		return channel.Envelope{}
	}
}

// ---------------------------------------------
// Translator
// ---------------------------------------------

type fakeTranslator struct {
	mu        sync.Mutex
	calls     []string
	histories [][]translate.HistoryEntry
	failFor   map[string]error
}

func (f *fakeTranslator) Translate(_ context.Context, _ int, lang, text string, history []translate.HistoryEntry, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, lang)
	f.histories = append(f.histories, history)
	if err, ok := f.failFor[lang]; ok {
		return "", err
	}
	return fmt.Sprintf("[%s] %s", lang, text), nil
}

func (f *fakeTranslator) setFailure(lang string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFor == nil {
		f.failFor = make(map[string]error)
	}
	if err == nil {
		delete(f.failFor, lang)
		return
	}
	f.failFor[lang] = err
}

func (f *fakeTranslator) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// ---------------------------------------------
// Environment
// ---------------------------------------------

type testEnv struct {
	store      *memStore
	broker     *fakeBroker
	translator *fakeTranslator
	deps       Deps
	convos     *Conversations
}

func newTestEnv() *testEnv {
	env := &testEnv{store: newMemStore(), broker: newFakeBroker(), translator: &fakeTranslator{}}
	publisher := NewPublisher(env.broker, 3, time.Millisecond)
	env.deps = Deps{
		Store:     env.store,
		Broker:    env.broker,
		Fanout:    NewFanout(env.store, env.translator, 10),
		Publisher: publisher,
		QueueSize: 8,
	}
	env.convos = NewConversations(env.store, publisher)
	return env
}

type runningSession struct {
	s    *Session
	conn *fakeConn
	done chan error
}

// start runs a session for userID and waits until it listens on its user
// channel.
func (e *testEnv) start(t *testing.T, ctx context.Context, userID int) *runningSession {
	t.Helper()
	rs := &runningSession{conn: newFakeConn(), done: make(chan error, 1)}
	rs.s = NewSession(userID, rs.conn, e.deps)
	go func() { rs.done <- rs.s.Run(ctx) }()
	waitFor(t, "session active", func() bool {
		return rs.s.State() == StateActive && e.broker.subscribed(channel.User(userID))
	})
	return rs
}

func (rs *runningSession) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-rs.done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("session did not end")
		return nil
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func decodeData[T any](t *testing.T, env channel.Envelope) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(env.Data, &v); err != nil {
		t.Fatalf("decode %s data %s: %v", env.Type, env.Data, err)
	}
	return v
}

func deliveryTypes(ds []Delivery) []string {
	out := make([]string, 0, len(ds))
	for _, d := range ds {
		var env channel.Envelope
		json.Unmarshal(d.Payload, &env)
		out = append(out, d.Channel+" "+env.Type)
	}
	return out
}

func joinTypes(ds []Delivery) string {
	return strings.Join(deliveryTypes(ds), ", ")
}

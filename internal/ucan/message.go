package ucan

import (
	"fmt"
	"sort"
)

// MessageTag identifies the agent message format.
const MessageTag = "ucanto/message@7.0.0"

type messageBody struct {
	Execute []Link          `cbor:"execute,omitempty"`
	Report  map[string]Link `cbor:"report,omitempty"`
}

// Message bundles invocations to execute and receipts reporting on tasks.
// It owns every block its members were decoded from.
type Message struct {
	root   Block
	body   messageBody
	blocks Blocks
}

// IndexKind tells whether an index entry refers to an invocation or a
// receipt.
type IndexKind string

const (
	IndexInvocation IndexKind = "invocation"
	IndexReceipt    IndexKind = "receipt"
)

// IndexEntry is one member of a message, addressed by the task it belongs
// to.
type IndexEntry struct {
	Kind    IndexKind
	Task    Link
	Link    Link
	Message Link
}

// NewMessage bundles invocations and receipts into a message.
func NewMessage(invocations []*Invocation, receipts []*Receipt) (*Message, error) {
	blocks := Blocks{}
	body := messageBody{}
	for _, inv := range invocations {
		body.Execute = append(body.Execute, inv.Link())
		blocks.Merge(inv.Blocks())
	}
	if len(receipts) > 0 {
		body.Report = make(map[string]Link, len(receipts))
		for _, r := range receipts {
			body.Report[r.Ran().String()] = r.Link()
			blocks.Merge(r.Blocks())
		}
	}
	root, err := Encode(map[string]messageBody{MessageTag: body})
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	blocks.Put(root)
	return &Message{root: root, body: body, blocks: blocks}, nil
}

// ViewMessage decodes the message rooted at root from blocks.
func ViewMessage(root Link, blocks Blocks) (*Message, error) {
	blk, ok := blocks.Get(root)
	if !ok {
		return nil, fmt.Errorf("message block %s not found", root)
	}
	var wrapper map[string]messageBody
	if err := Unmarshal(blk.Bytes, &wrapper); err != nil {
		return nil, fmt.Errorf("decode message %s: %w", root, err)
	}
	body, ok := wrapper[MessageTag]
	if !ok || len(wrapper) != 1 {
		return nil, fmt.Errorf("decode message %s: expected a single %q variant", root, MessageTag)
	}
	return &Message{root: blk, body: body, blocks: blocks}, nil
}

// Link returns the message identifier.
func (m *Message) Link() Link { return m.root.Link }

// Root returns the root block.
func (m *Message) Root() Block { return m.root }

// Blocks returns every block in the message.
func (m *Message) Blocks() Blocks { return m.blocks }

// Invocations decodes the invocations to execute, in message order.
func (m *Message) Invocations() ([]*Invocation, error) {
	out := make([]*Invocation, 0, len(m.body.Execute))
	for _, l := range m.body.Execute {
		inv, err := View(l, m.blocks)
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	return out, nil
}

// reportTasks returns the reported task keys in a stable order.
func (m *Message) reportTasks() []string {
	tasks := make([]string, 0, len(m.body.Report))
	for task := range m.body.Report {
		tasks = append(tasks, task)
	}
	sort.Strings(tasks)
	return tasks
}

// Receipts decodes every reported receipt, ordered by task.
func (m *Message) Receipts() ([]*Receipt, error) {
	out := make([]*Receipt, 0, len(m.body.Report))
	for _, task := range m.reportTasks() {
		r, err := ViewReceipt(m.body.Report[task], m.blocks)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// Receipt returns the receipt reported for task.
func (m *Message) Receipt(task Link) (*Receipt, bool, error) {
	l, ok := m.body.Report[task.String()]
	if !ok {
		return nil, false, nil
	}
	r, err := ViewReceipt(l, m.blocks)
	if err != nil {
		return nil, false, err
	}
	return r, true, nil
}

// Index enumerates the members of the message: invocations first in
// execution order, then receipts ordered by task.
func (m *Message) Index() ([]IndexEntry, error) {
	entries := make([]IndexEntry, 0, len(m.body.Execute)+len(m.body.Report))
	for _, l := range m.body.Execute {
		entries = append(entries, IndexEntry{Kind: IndexInvocation, Task: l, Link: l, Message: m.Link()})
	}
	for _, task := range m.reportTasks() {
		t, err := ParseLink(task)
		if err != nil {
			return nil, fmt.Errorf("message %s: %w", m.Link(), err)
		}
		entries = append(entries, IndexEntry{Kind: IndexReceipt, Task: t, Link: m.body.Report[task], Message: m.Link()})
	}
	return entries, nil
}

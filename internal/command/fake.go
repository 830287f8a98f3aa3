package command

import (
	"context"
	"sync"
)

// Message is one send recorded by FakeSender.
type Message struct {
	Topic   string
	Payload string
}

// FakeSender records every published Message so tests can inspect them.
type FakeSender struct {
	mu           sync.Mutex
	messages     []Message
	PublishError error
}

// Publish appends the message to the recorded list, or returns PublishError
// if set.
func (f *FakeSender) Publish(_ context.Context, topic string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PublishError != nil {
		return f.PublishError
	}
	f.messages = append(f.messages, Message{Topic: topic, Payload: string(payload)})
	return nil
}

// Messages returns a copy of the recorded messages.
func (f *FakeSender) Messages() []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Message(nil), f.messages...)
}

// Find returns the first Message whose Topic matches, plus a found bool.
func (f *FakeSender) Find(topic string) (Message, bool) {
	for _, m := range f.Messages() {
		if m.Topic == topic {
			return m, true
		}
	}
	return Message{}, false
}

// SetPublishError changes PublishError under the sender's lock.
func (f *FakeSender) SetPublishError(err error) {
	f.mu.Lock()
	f.PublishError = err
	f.mu.Unlock()
}

// Reset clears all recorded state so the fake can be reused between sub-tests.
func (f *FakeSender) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = nil
	f.PublishError = nil
}

package server

import "sync"

// TopicRegistry maps topic names to their subscriber sets. A topic exists
// only while it has at least one subscriber.
type TopicRegistry struct {
	mu     sync.Mutex
	topics map[string]map[string]struct{}
}

// NewTopicRegistry initialises an empty registry.
func NewTopicRegistry() *TopicRegistry {
	return &TopicRegistry{topics: make(map[string]map[string]struct{})}
}

// Subscribe adds username to the topic, creating it if needed. Idempotent.
func (r *TopicRegistry) Subscribe(topic, username string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	subs, ok := r.topics[topic]
	if !ok {
		subs = make(map[string]struct{})
		r.topics[topic] = subs
	}
	subs[username] = struct{}{}
}

// Unsubscribe removes username from the topic; the topic key is dropped
// when its set becomes empty. A no-op for unknown topics or members.
func (r *TopicRegistry) Unsubscribe(topic, username string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	subs, ok := r.topics[topic]
	if !ok {
		return
	}
	delete(subs, username)
	if len(subs) == 0 {
		delete(r.topics, topic)
	}
}

// RemoveUserEverywhere strips username from every topic and garbage-collects
// emptied topics. Called on session teardown.
func (r *TopicRegistry) RemoveUserEverywhere(username string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for topic, subs := range r.topics {
		delete(subs, username)
		if len(subs) == 0 {
			delete(r.topics, topic)
		}
	}
}

// Subscribers returns a copied snapshot of the topic's subscriber names,
// stable during fan-out even if the set mutates.
func (r *TopicRegistry) Subscribers(topic string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	subs := r.topics[topic]
	names := make([]string, 0, len(subs))
	for name := range subs {
		names = append(names, name)
	}
	return names
}

// IsSubscribed reports whether username is in the topic's set.
func (r *TopicRegistry) IsSubscribed(topic, username string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.topics[topic][username]
	return ok
}

// UserTopics lists every topic username is subscribed to.
func (r *TopicRegistry) UserTopics(username string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var topics []string
	for topic, subs := range r.topics {
		if _, ok := subs[username]; ok {
			topics = append(topics, topic)
		}
	}
	return topics
}

// Count returns the number of live topics.
func (r *TopicRegistry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.topics)
}

// --- File: pkg/chatsync/dependencies.go ---
package chatsync

// ServiceDependencies holds all the external collaborators the sync service
// needs to operate. The struct is assembled once at process start and injected
// into the service; the core never reaches for globals.
type ServiceDependencies struct {
	MessageStore MessageStore
	Generator    ResponseGenerator
	AuthVerifier AuthVerifier
}

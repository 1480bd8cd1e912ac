package offgate

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	updateNotificationTag   = "update-notification"
	defaultNotificationIcon = "/assets/images/logo.png"
)

// Platform is the system-level notification service. A nil Platform means the
// host has no notification support at all; the Pusher then disables itself.
type Platform interface {
	// RequestPermission shows the user-facing prompt and reports the choice.
	RequestPermission(ctx context.Context) (Permission, error)
	// Subscribe obtains a push credential for the given server public key.
	Subscribe(ctx context.Context, vapidPublicKey string) (Subscription, error)
	// Show displays a system notification.
	Show(ctx context.Context, payload PushPayload) error
}

// Pusher gates all system notifications behind the permission state machine:
// default -> granted|denied via exactly one prompt, terminal afterwards.
type Pusher struct {
	platform  Platform
	store     *genStore
	panel     *Panel
	vapidKey  string
	supported bool

	mu           sync.Mutex
	permission   Permission
	prompting    bool
	subscription *Subscription
}

func NewPusher(platform Platform, store *genStore, vapidKey string, panel *Panel) *Pusher {
	p := &Pusher{
		platform:   platform,
		store:      store,
		panel:      panel,
		vapidKey:   vapidKey,
		supported:  platform != nil,
		permission: PermissionDefault,
	}
	if !p.supported {
		p.permission = PermissionDenied
		return p
	}
	if store != nil {
		if b, ok := store.GetState(statePushSubscription); ok {
			var sub Subscription
			if err := json.Unmarshal(b, &sub); err == nil {
				p.subscription = &sub
			}
		}
	}
	return p
}

func (p *Pusher) Supported() bool {
	return p.supported
}

func (p *Pusher) Permission() Permission {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.permission
}

// Subscription returns the current push credential, if any.
func (p *Pusher) Subscription() (Subscription, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.subscription == nil {
		return Subscription{}, false
	}
	return *p.subscription, true
}

// RequestPermission prompts only while the state is default; once granted or
// denied it never prompts again. On grant it confirms via the panel and
// immediately attempts a subscription. The prompt can block on the user, so it
// runs outside the lock; Permission and ShowPushNotification stay responsive
// while it is up, and a concurrent call never opens a second prompt.
func (p *Pusher) RequestPermission(ctx context.Context) error {
	if !p.supported {
		return nil
	}

	p.mu.Lock()
	if p.permission != PermissionDefault || p.prompting {
		p.mu.Unlock()
		return nil
	}
	p.prompting = true
	p.mu.Unlock()

	perm, err := p.platform.RequestPermission(ctx)

	p.mu.Lock()
	p.prompting = false
	if err != nil {
		p.mu.Unlock()
		return fmt.Errorf("request permission: %w", err)
	}
	if p.permission == PermissionDefault {
		p.permission = perm
	}
	perm = p.permission
	p.mu.Unlock()

	if perm != PermissionGranted {
		return nil
	}
	if p.panel != nil {
		p.panel.Notify(
			"Notifications enabled!",
			"You'll now receive updates about new content and features.",
			KindSuccess,
		)
	}
	if err := p.Subscribe(ctx); err != nil {
		// retried lazily on a later start
		log.Printf("push subscribe failed: %v", err)
	}
	return nil
}

// Subscribe obtains and persists a push subscription. It is a no-op unless
// permission is granted; failures are non-fatal to everything else.
func (p *Pusher) Subscribe(ctx context.Context) error {
	if !p.supported {
		return nil
	}
	p.mu.Lock()
	perm := p.permission
	p.mu.Unlock()
	if perm != PermissionGranted {
		return nil
	}

	sub, err := p.platform.Subscribe(ctx, p.vapidKey)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	p.mu.Lock()
	p.subscription = &sub
	p.mu.Unlock()

	if p.store != nil {
		b, err := json.Marshal(sub)
		if err == nil {
			if err := p.store.SetState(statePushSubscription, b); err != nil {
				log.Printf("persist push subscription: %v", err)
			}
		}
	}
	return nil
}

// ShowPushNotification displays a system notification carrying a deep link.
// It never touches the platform unless permission is granted.
func (p *Pusher) ShowPushNotification(ctx context.Context, title, message string, data PushData) error {
	if !p.supported {
		return nil
	}
	p.mu.Lock()
	perm := p.permission
	p.mu.Unlock()
	if perm != PermissionGranted {
		return nil
	}

	if data.URL == "" {
		data.URL = "/"
	}
	if data.Timestamp == 0 {
		data.Timestamp = time.Now().UnixMilli()
	}
	payload := PushPayload{
		Title:              title,
		Body:               message,
		Icon:               defaultNotificationIcon,
		Badge:              defaultNotificationIcon,
		Tag:                updateNotificationTag,
		RequireInteraction: true,
		Actions: []PushAction{
			{Action: "view", Title: "View Now", Icon: defaultNotificationIcon},
		},
		Data: data,
	}
	if err := p.platform.Show(ctx, payload); err != nil {
		return fmt.Errorf("show notification: %w", err)
	}
	return nil
}

// simulatedPlatform stands in for a real OS notification service. The prompt
// answer is fixed by configuration and displayed notifications go to the log.
type simulatedPlatform struct {
	response Permission
}

func newSimulatedPlatform(response Permission) *simulatedPlatform {
	if response == "" {
		response = PermissionGranted
	}
	return &simulatedPlatform{response: response}
}

func (s *simulatedPlatform) RequestPermission(ctx context.Context) (Permission, error) {
	return s.response, nil
}

func (s *simulatedPlatform) Subscribe(ctx context.Context, vapidPublicKey string) (Subscription, error) {
	if strings.TrimSpace(vapidPublicKey) == "" {
		return Subscription{}, fmt.Errorf("missing vapid public key")
	}
	return Subscription{
		Endpoint:  "https://push.invalid/sub/" + uuid.NewString(),
		Token:     uuid.NewString(),
		CreatedAt: time.Now().UnixMilli(),
	}, nil
}

func (s *simulatedPlatform) Show(ctx context.Context, payload PushPayload) error {
	log.Printf("push notification: tag=%s title=%q", payload.Tag, payload.Title)
	return nil
}

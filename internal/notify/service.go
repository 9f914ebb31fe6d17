package notify

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/example/courier-dispatch/internal/models"
	"github.com/example/courier-dispatch/internal/storage"
	"github.com/example/courier-dispatch/internal/tasks"
)

// Store is what the notification jobs read.
type Store interface {
	storage.Users
	GetPromotion(ctx context.Context, id int64) (models.Promotion, error)
}

// Service resolves users to device tokens and pushes through a Gateway.
type Service struct {
	store Store
	gw    Gateway
	log   *zap.Logger
}

func NewService(store Store, gw Gateway, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{store: store, gw: gw, log: log}
}

// NotifyUsers pushes msg to every active device of the given users and
// deactivates tokens the provider rejected as unregistered.
func (s *Service) NotifyUsers(ctx context.Context, userIDs []int64, msg Message) (Result, error) {
	tokens, err := s.store.DeviceTokens(ctx, userIDs)
	if err != nil {
		return Result{}, err
	}
	if len(tokens) == 0 {
		return Result{}, nil
	}
	res, err := s.gw.Send(ctx, tokens, msg)
	if len(res.Invalid) > 0 {
		if derr := s.store.DeactivateDeviceTokens(ctx, res.Invalid); derr != nil {
			s.log.Warn("deactivate tokens", zap.Error(derr))
		}
	}
	return res, err
}

// UserArgs are the notify.user job arguments.
type UserArgs struct {
	UserID int64   `json:"user_id"`
	Msg    Message `json:"message"`
}

// PromotionArgs are the notify.promotion job arguments. Reminder selects
// the ending-soon wording.
type PromotionArgs struct {
	PromotionID int64 `json:"promotion_id"`
	Reminder    bool  `json:"reminder,omitempty"`
}

// OrderMessage is the customer push for an order status change.
func OrderMessage(orderID int64, title string) Message {
	return Message{
		Title: "Order " + title,
		Body:  fmt.Sprintf("Your order #%d has been %s!", orderID, strings.ToLower(title)),
		Data:  map[string]string{"order_id": strconv.FormatInt(orderID, 10), "type": "order_update"},
	}
}

func PromotionMessage(p models.Promotion, reminder bool) Message {
	title := "New Promotion!"
	body := fmt.Sprintf("%s - %s%% off", p.Name, strconv.FormatFloat(p.Discount, 'f', -1, 64))
	if reminder {
		title = "Promotion ending soon!"
		body += ", ends " + p.EndDate.UTC().Format("Jan 2 15:04 MST")
	}
	return Message{
		Title: title,
		Body:  body,
		Data:  map[string]string{"promotion_id": strconv.FormatInt(p.ID, 10), "type": "promotion"},
	}
}

// Register installs the notification job handlers.
func (s *Service) Register(r *tasks.Runner) {
	r.Register(tasks.NotifyUser, s.handleUser)
	r.Register(tasks.NotifyPromotion, s.handlePromotion)
}

func (s *Service) handleUser(ctx context.Context, job tasks.Job) error {
	var args UserArgs
	if err := job.Decode(&args); err != nil {
		return tasks.Permanent(err)
	}
	res, err := s.NotifyUsers(ctx, []int64{args.UserID}, args.Msg)
	if err != nil {
		return err
	}
	s.log.Info("user notified", zap.Int64("user_id", args.UserID), zap.Int("sent", res.Sent), zap.Int("failed", res.Failed))
	return nil
}

func (s *Service) handlePromotion(ctx context.Context, job tasks.Job) error {
	var args PromotionArgs
	if err := job.Decode(&args); err != nil {
		return tasks.Permanent(err)
	}
	p, err := s.store.GetPromotion(ctx, args.PromotionID)
	if errors.Is(err, storage.ErrNotFound) {
		return tasks.Permanent(fmt.Errorf("promotion %d: %w", args.PromotionID, err))
	}
	if err != nil {
		return err
	}
	users, err := s.store.CustomerUserIDs(ctx)
	if err != nil {
		return err
	}
	if len(users) == 0 {
		return nil
	}
	res, err := s.NotifyUsers(ctx, users, PromotionMessage(p, args.Reminder))
	if err != nil {
		return err
	}
	s.log.Info("promotion fan-out",
		zap.Int64("promotion_id", p.ID),
		zap.Bool("reminder", args.Reminder),
		zap.Int("customers", len(users)),
		zap.Int("sent", res.Sent),
	)
	return nil
}

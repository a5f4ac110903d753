package datazone

import (
	"context"
	"errors"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/datazone"
	"github.com/aws/aws-sdk-go-v2/service/datazone/types"
	"github.com/aws/smithy-go"
	"github.com/example/subscription-approval/internal/domain"
	"go.uber.org/zap"
)

// API is the part of the DataZone client the catalog uses.
type API interface {
	AcceptSubscriptionRequest(ctx context.Context, in *datazone.AcceptSubscriptionRequestInput, optFns ...func(*datazone.Options)) (*datazone.AcceptSubscriptionRequestOutput, error)
	RejectSubscriptionRequest(ctx context.Context, in *datazone.RejectSubscriptionRequestInput, optFns ...func(*datazone.Options)) (*datazone.RejectSubscriptionRequestOutput, error)
	GetSubscriptionRequestDetails(ctx context.Context, in *datazone.GetSubscriptionRequestDetailsInput, optFns ...func(*datazone.Options)) (*datazone.GetSubscriptionRequestDetailsOutput, error)
}

// Catalog — каталог данных Amazon DataZone.
type Catalog struct {
	api    API
	logger *zap.Logger
}

func New(cfg aws.Config, logger *zap.Logger) *Catalog {
	return NewWithAPI(datazone.NewFromConfig(cfg), logger)
}

func NewWithAPI(api API, logger *zap.Logger) *Catalog {
	return &Catalog{api: api, logger: logger.Named("datazone")}
}

func (c *Catalog) AcceptSubscription(ctx context.Context, req domain.SubscriptionRequest, comment string) error {
	_, err := c.api.AcceptSubscriptionRequest(ctx, &datazone.AcceptSubscriptionRequestInput{
		DomainIdentifier: aws.String(req.DomainID),
		Identifier:       aws.String(req.ID),
		DecisionComment:  aws.String(comment),
	})
	if err != nil {
		return classify("accept subscription", err)
	}
	c.logger.Info("subscription accepted", zap.String("request_id", req.ID), zap.String("domain_id", req.DomainID))
	return nil
}

func (c *Catalog) RejectSubscription(ctx context.Context, req domain.SubscriptionRequest, comment string) error {
	_, err := c.api.RejectSubscriptionRequest(ctx, &datazone.RejectSubscriptionRequestInput{
		DomainIdentifier: aws.String(req.DomainID),
		Identifier:       aws.String(req.ID),
		DecisionComment:  aws.String(comment),
	})
	if err != nil {
		return classify("reject subscription", err)
	}
	c.logger.Info("subscription rejected", zap.String("request_id", req.ID), zap.String("domain_id", req.DomainID))
	return nil
}

// Describe fills the descriptive fields of req from the subscription request details.
func (c *Catalog) Describe(ctx context.Context, req domain.SubscriptionRequest) (domain.SubscriptionRequest, error) {
	out, err := c.api.GetSubscriptionRequestDetails(ctx, &datazone.GetSubscriptionRequestDetailsInput{
		DomainIdentifier: aws.String(req.DomainID),
		Identifier:       aws.String(req.ID),
	})
	if err != nil {
		return req, classify("describe subscription", err)
	}
	req.RequesterID = aws.ToString(out.CreatedBy)
	req.RequestReason = aws.ToString(out.RequestReason)
	if out.CreatedAt != nil {
		req.RequestedAt = *out.CreatedAt
	}
	if len(out.SubscribedListings) > 0 {
		l := out.SubscribedListings[0]
		req.ListingName = aws.ToString(l.Name)
		req.OwnerProjectName = aws.ToString(l.OwnerProjectName)
	}
	for _, p := range out.SubscribedPrincipals {
		if project, ok := p.(*types.SubscribedPrincipalMemberProject); ok {
			req.ProjectName = aws.ToString(project.Value.Name)
			if req.ProjectID == "" {
				req.ProjectID = aws.ToString(project.Value.Id)
			}
			break
		}
	}
	return req, nil
}

func classify(op string, err error) error {
	var ae smithy.APIError
	if errors.As(err, &ae) {
		switch ae.ErrorCode() {
		case "AccessDeniedException", "UnauthorizedException", "ExpiredTokenException":
			return domain.Credential(op, err)
		case "ThrottlingException", "InternalServerException", "ServiceQuotaExceededException":
			return domain.Transient(op, err)
		case "ValidationException", "ResourceNotFoundException":
			return domain.Configuration(op, err)
		}
		return domain.Remote(op, err)
	}
	return domain.Transient(op, err)
}

var (
	_ domain.Catalog       = (*Catalog)(nil)
	_ domain.CatalogReader = (*Catalog)(nil)
)

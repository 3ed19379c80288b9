package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	"github.com/aws/aws-sdk-go-v2/aws"
	rg "github.com/aws/aws-sdk-go-v2/service/resourcegroups"
	rgtypes "github.com/aws/aws-sdk-go-v2/service/resourcegroups/types"
	"go.uber.org/zap"

	"github.com/t77yq/repeated-alarm/internal/config"
)

const (
	alarmResourceType = "AWS::CloudWatch::Alarm"
	groupDescription  = "A tag-based resource group to monitor all CloudWatch Alarms with repeated notification enabled"
)

// API is the subset of the Resource Groups client used here
type API interface {
	GetGroupQuery(ctx context.Context, params *rg.GetGroupQueryInput, optFns ...func(*rg.Options)) (*rg.GetGroupQueryOutput, error)
	CreateGroup(ctx context.Context, params *rg.CreateGroupInput, optFns ...func(*rg.Options)) (*rg.CreateGroupOutput, error)
	UpdateGroupQuery(ctx context.Context, params *rg.UpdateGroupQueryInput, optFns ...func(*rg.Options)) (*rg.UpdateGroupQueryOutput, error)
	ListGroupResources(ctx context.Context, params *rg.ListGroupResourcesInput, optFns ...func(*rg.Options)) (*rg.ListGroupResourcesOutput, error)
}

// tagQuery is the TAG_FILTERS_1_0 query document
type tagQuery struct {
	ResourceTypeFilters []string    `json:"ResourceTypeFilters"`
	TagFilters          []tagFilter `json:"TagFilters"`
}

type tagFilter struct {
	Key    string   `json:"Key"`
	Values []string `json:"Values"`
}

// GroupManager keeps a resource group listing every alarm that opted in to
// repeated notification
type GroupManager struct {
	api    API
	name   string
	filter config.TagFilter
	logger *zap.Logger
}

// NewGroupManager creates a new resource group manager
func NewGroupManager(api API, name string, filter config.TagFilter, logger *zap.Logger) *GroupManager {
	return &GroupManager{
		api:    api,
		name:   name,
		filter: filter,
		logger: logger.Named("discovery"),
	}
}

// Query returns the resource query document for the configured tag
func (m *GroupManager) Query() (string, error) {
	data, err := json.Marshal(m.query())
	if err != nil {
		return "", fmt.Errorf("failed to marshal group query: %w", err)
	}
	return string(data), nil
}

func (m *GroupManager) query() tagQuery {
	return tagQuery{
		ResourceTypeFilters: []string{alarmResourceType},
		TagFilters: []tagFilter{{
			Key:    m.filter.Key,
			Values: []string{m.filter.Value},
		}},
	}
}

// EnsureGroup creates the group when missing and corrects its query when the
// configured tag changed
func (m *GroupManager) EnsureGroup(ctx context.Context) error {
	query, err := m.Query()
	if err != nil {
		return err
	}
	resourceQuery := &rgtypes.ResourceQuery{
		Type:  rgtypes.QueryTypeTagFilters10,
		Query: aws.String(query),
	}

	out, err := m.api.GetGroupQuery(ctx, &rg.GetGroupQueryInput{Group: aws.String(m.name)})
	if err != nil {
		var notFound *rgtypes.NotFoundException
		if !errors.As(err, &notFound) {
			return fmt.Errorf("failed to get group %s: %w", m.name, err)
		}

		if _, err := m.api.CreateGroup(ctx, &rg.CreateGroupInput{
			Name:          aws.String(m.name),
			Description:   aws.String(groupDescription),
			ResourceQuery: resourceQuery,
		}); err != nil {
			return fmt.Errorf("failed to create group %s: %w", m.name, err)
		}

		m.logger.Info("Resource group created",
			zap.String("group", m.name),
			zap.String("tag", m.filter.String()))
		return nil
	}

	if out.GroupQuery != nil && out.GroupQuery.ResourceQuery != nil && m.sameQuery(aws.ToString(out.GroupQuery.ResourceQuery.Query)) {
		m.logger.Info("Using existing resource group", zap.String("group", m.name))
		return nil
	}

	if _, err := m.api.UpdateGroupQuery(ctx, &rg.UpdateGroupQueryInput{
		Group:         aws.String(m.name),
		ResourceQuery: resourceQuery,
	}); err != nil {
		return fmt.Errorf("failed to update group %s: %w", m.name, err)
	}

	m.logger.Info("Resource group query updated",
		zap.String("group", m.name),
		zap.String("tag", m.filter.String()))
	return nil
}

func (m *GroupManager) sameQuery(existing string) bool {
	var current tagQuery
	if err := json.Unmarshal([]byte(existing), &current); err != nil {
		return false
	}
	return reflect.DeepEqual(current, m.query())
}

// Members returns the ARNs of the alarms currently in the group
func (m *GroupManager) Members(ctx context.Context) ([]string, error) {
	var arns []string
	paginator := rg.NewListGroupResourcesPaginator(m.api, &rg.ListGroupResourcesInput{
		Group: aws.String(m.name),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list group %s: %w", m.name, err)
		}
		for _, item := range page.Resources {
			if item.Identifier == nil {
				continue
			}
			arns = append(arns, aws.ToString(item.Identifier.ResourceArn))
		}
	}
	return arns, nil
}

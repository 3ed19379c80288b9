package discovery

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	rg "github.com/aws/aws-sdk-go-v2/service/resourcegroups"
	rgtypes "github.com/aws/aws-sdk-go-v2/service/resourcegroups/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/repeated-alarm/internal/config"
)

type fakeAPI struct {
	query   *string
	getErr  error
	created []*rg.CreateGroupInput
	updated []*rg.UpdateGroupQueryInput
	pages   [][]string
}

func (f *fakeAPI) GetGroupQuery(_ context.Context, params *rg.GetGroupQueryInput, _ ...func(*rg.Options)) (*rg.GetGroupQueryOutput, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	if f.query == nil {
		return nil, &rgtypes.NotFoundException{Message: aws.String("group not found")}
	}
	return &rg.GetGroupQueryOutput{GroupQuery: &rgtypes.GroupQuery{
		GroupName:     params.Group,
		ResourceQuery: &rgtypes.ResourceQuery{Type: rgtypes.QueryTypeTagFilters10, Query: f.query},
	}}, nil
}

func (f *fakeAPI) CreateGroup(_ context.Context, params *rg.CreateGroupInput, _ ...func(*rg.Options)) (*rg.CreateGroupOutput, error) {
	f.created = append(f.created, params)
	f.query = params.ResourceQuery.Query
	return &rg.CreateGroupOutput{}, nil
}

func (f *fakeAPI) UpdateGroupQuery(_ context.Context, params *rg.UpdateGroupQueryInput, _ ...func(*rg.Options)) (*rg.UpdateGroupQueryOutput, error) {
	f.updated = append(f.updated, params)
	f.query = params.ResourceQuery.Query
	return &rg.UpdateGroupQueryOutput{}, nil
}

func (f *fakeAPI) ListGroupResources(_ context.Context, params *rg.ListGroupResourcesInput, _ ...func(*rg.Options)) (*rg.ListGroupResourcesOutput, error) {
	page := 0
	if params.NextToken != nil {
		page = len(*params.NextToken)
	}

	out := &rg.ListGroupResourcesOutput{}
	for _, arn := range f.pages[page] {
		out.Resources = append(out.Resources, rgtypes.ListGroupResourcesItem{
			Identifier: &rgtypes.ResourceIdentifier{
				ResourceArn:  aws.String(arn),
				ResourceType: aws.String(alarmResourceType),
			},
		})
	}
	if page+1 < len(f.pages) {
		token := ""
		for i := 0; i <= page; i++ {
			token += "x"
		}
		out.NextToken = aws.String(token)
	}
	return out, nil
}

func newManager(t *testing.T, api *fakeAPI, tag string) *GroupManager {
	t.Helper()
	filter, err := config.ParseTagFilter(tag)
	require.NoError(t, err)
	return NewGroupManager(api, "repeatedAlarmsGroup", filter, zaptest.NewLogger(t))
}

func TestQuery(t *testing.T) {
	m := newManager(t, &fakeAPI{}, "RepeatedAlarm:true")

	query, err := m.Query()
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"ResourceTypeFilters": ["AWS::CloudWatch::Alarm"],
		"TagFilters": [{"Key": "RepeatedAlarm", "Values": ["true"]}]
	}`, query)
}

func TestEnsureGroupCreatesMissingGroup(t *testing.T) {
	api := &fakeAPI{}
	m := newManager(t, api, "RepeatedAlarm:true")

	require.NoError(t, m.EnsureGroup(context.Background()))

	require.Len(t, api.created, 1)
	assert.Equal(t, "repeatedAlarmsGroup", aws.ToString(api.created[0].Name))
	assert.Equal(t, rgtypes.QueryTypeTagFilters10, api.created[0].ResourceQuery.Type)

	// A second run finds the group with the same query and leaves it alone.
	require.NoError(t, m.EnsureGroup(context.Background()))
	assert.Len(t, api.created, 1)
	assert.Empty(t, api.updated)
}

func TestEnsureGroupUpdatesChangedTag(t *testing.T) {
	api := &fakeAPI{}
	require.NoError(t, newManager(t, api, "RepeatedAlarm:true").EnsureGroup(context.Background()))

	m := newManager(t, api, "Notify:repeat")
	require.NoError(t, m.EnsureGroup(context.Background()))

	require.Len(t, api.updated, 1)
	assert.Contains(t, aws.ToString(api.updated[0].ResourceQuery.Query), `"Notify"`)
	assert.Len(t, api.created, 1)
}

func TestEnsureGroupPropagatesErrors(t *testing.T) {
	errDenied := errors.New("access denied")
	api := &fakeAPI{getErr: errDenied}

	err := newManager(t, api, "RepeatedAlarm:true").EnsureGroup(context.Background())
	require.ErrorIs(t, err, errDenied)
	assert.Empty(t, api.created)
}

func TestMembers(t *testing.T) {
	api := &fakeAPI{pages: [][]string{
		{"arn:aws:cloudwatch:eu-west-1:123:alarm:a", "arn:aws:cloudwatch:eu-west-1:123:alarm:b"},
		{"arn:aws:cloudwatch:eu-west-1:123:alarm:c"},
	}}
	m := newManager(t, api, "RepeatedAlarm:true")

	members, err := m.Members(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{
		"arn:aws:cloudwatch:eu-west-1:123:alarm:a",
		"arn:aws:cloudwatch:eu-west-1:123:alarm:b",
		"arn:aws:cloudwatch:eu-west-1:123:alarm:c",
	}, members)
}

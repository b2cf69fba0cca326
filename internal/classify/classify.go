package classify

import (
	"errors"
	"fmt"
	"slices"

	"github.com/google/go-github/v57/github"

	"github.com/austindbirch/hookloop/internal/logging"
	"github.com/austindbirch/hookloop/internal/queue"
)

// ErrMalformed is returned when a known event type carries a body that
// does not decode into the matching GitHub event
var ErrMalformed = errors.New("malformed event payload")

const (
	EventPullRequest              = "pull_request"
	EventCheckRun                 = "check_run"
	EventPullRequestReviewComment = "pull_request_review_comment"
	EventIssues                   = "issues"
)

const (
	LabelDesignApproved = "design approved"
	LabelHelpWanted     = "help wanted"
	labelBug            = "bug"
	labelEnhancement    = "enhancement"
)

// Decision is one unit of work derived from an event
type Decision struct {
	WorkType queue.WorkType
	Priority queue.Priority
	Metadata queue.Metadata
}

// Known reports whether Classify inspects events of this type.
// Payloads of unknown types are not decoded.
func Known(eventType string) bool {
	switch eventType {
	case EventPullRequest, EventCheckRun, EventPullRequestReviewComment, EventIssues:
		return true
	}
	return false
}

type Classifier struct {
	log *logging.Logger
}

func New(log *logging.Logger) *Classifier {
	if log == nil {
		log = logging.Default()
	}
	return &Classifier{log: log}
}

// Classify maps an event to zero or more decisions. Ignored events return
// an empty slice and a nil error.
func (c *Classifier) Classify(eventType string, payload []byte) ([]Decision, error) {
	if !Known(eventType) {
		c.log.WithField("event_type", eventType).Debug("ignoring webhook event type")
		return nil, nil
	}

	event, err := github.ParseWebHook(eventType, payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, eventType, err)
	}

	var out []Decision
	switch e := event.(type) {
	case *github.PullRequestEvent:
		out = c.pullRequest(e)
	case *github.CheckRunEvent:
		out = c.checkRun(e)
	case *github.PullRequestReviewCommentEvent:
		out = c.reviewComment(e)
	case *github.IssuesEvent:
		out = c.issue(e)
	}

	if len(out) == 0 {
		c.log.WithField("event_type", eventType).Debug("event produced no work")
	}
	for i := range out {
		out[i].Metadata["event_type"] = eventType
	}
	return out, nil
}

func (c *Classifier) pullRequest(e *github.PullRequestEvent) []Decision {
	action := e.GetAction()
	if action != "opened" && action != "synchronize" {
		return nil
	}
	pr := e.GetPullRequest()

	// mergeable is null until GitHub finishes computing it; only an explicit false counts
	if pr.Mergeable == nil || *pr.Mergeable {
		c.log.WithField("pr_number", pr.GetNumber()).
			WithField("action", action).
			Debug("pull request mergeable or not yet computed")
		return nil
	}

	c.log.WithField("pr_number", pr.GetNumber()).WithField("action", action).Info("pull request is unmergeable")
	return []Decision{{
		WorkType: queue.WorkPRMaintenance,
		Priority: queue.PriorityCritical,
		Metadata: queue.Metadata{
			"pr_number": pr.GetNumber(),
			"action":    action,
			"reason":    "unmergeable",
		},
	}}
}

func (c *Classifier) checkRun(e *github.CheckRunEvent) []Decision {
	if e.GetAction() != "completed" {
		return nil
	}
	run := e.GetCheckRun()
	if run.GetConclusion() != "failure" {
		return nil
	}

	var out []Decision
	for _, pr := range run.PullRequests {
		c.log.WithField("pr_number", pr.GetNumber()).WithField("check_name", run.GetName()).Info("check run failed")
		out = append(out, Decision{
			WorkType: queue.WorkPRMaintenance,
			Priority: queue.PriorityCritical,
			Metadata: queue.Metadata{
				"pr_number":  pr.GetNumber(),
				"check_name": run.GetName(),
				"conclusion": run.GetConclusion(),
				"reason":     "check_failure",
			},
		})
	}
	return out
}

func (c *Classifier) reviewComment(e *github.PullRequestReviewCommentEvent) []Decision {
	if e.GetAction() != "created" {
		return nil
	}
	comment := e.GetComment()
	// a nil position means the comment is on an outdated diff
	if comment.Position == nil {
		return nil
	}

	pr := e.GetPullRequest()
	c.log.WithField("pr_number", pr.GetNumber()).Info("new review comment")
	return []Decision{{
		WorkType: queue.WorkPRReviewResponse,
		Priority: queue.PriorityHigh,
		Metadata: queue.Metadata{
			"pr_number":  pr.GetNumber(),
			"comment_id": comment.GetID(),
			"path":       comment.GetPath(),
			"position":   comment.GetPosition(),
		},
	}}
}

func (c *Classifier) issue(e *github.IssuesEvent) []Decision {
	issue := e.GetIssue()
	// GitHub also sends issues events for pull requests
	if issue.IsPullRequest() {
		return nil
	}

	switch e.GetAction() {
	case "labeled":
		switch name := e.GetLabel().GetName(); name {
		case LabelDesignApproved:
			c.log.WithField("issue_number", issue.GetNumber()).Info("issue labeled design approved")
			return []Decision{{
				WorkType: queue.WorkDesignApprovalCheck,
				Priority: queue.PriorityDefault,
				Metadata: queue.Metadata{
					"issue_number": issue.GetNumber(),
					"label":        name,
				},
			}}
		case LabelHelpWanted:
			return c.helpWanted(issue)
		}
	case "opened":
		if slices.Contains(labelNames(issue), LabelHelpWanted) {
			return c.helpWanted(issue)
		}
	}
	return nil
}

func (c *Classifier) helpWanted(issue *github.Issue) []Decision {
	if len(issue.Assignees) > 0 {
		return nil
	}
	labels := labelNames(issue)

	c.log.WithField("issue_number", issue.GetNumber()).Info("help wanted issue is unassigned")
	return []Decision{{
		WorkType: queue.WorkNewWork,
		Priority: HelpWantedPriority(labels),
		Metadata: queue.Metadata{
			"issue_number": issue.GetNumber(),
			"labels":       labels,
		},
	}}
}

// HelpWantedPriority ranks new work by the issue's other labels
func HelpWantedPriority(labels []string) queue.Priority {
	switch {
	case slices.Contains(labels, labelBug):
		return queue.PriorityHigh
	case slices.Contains(labels, labelEnhancement):
		return queue.PriorityDefault
	}
	return queue.PriorityLow
}

func labelNames(issue *github.Issue) []string {
	names := make([]string, 0, len(issue.Labels))
	for _, l := range issue.Labels {
		names = append(names, l.GetName())
	}
	return names
}

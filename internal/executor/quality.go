package executor

import (
	"context"
	"fmt"
	"slices"
	"strconv"

	"github.com/google/go-github/v57/github"

	"github.com/austindbirch/hookloop/internal/logging"
	"github.com/austindbirch/hookloop/internal/queue"
)

const (
	maxQualityFailures = 20
	designApproved     = "design approved"
)

// QualityLoop is the reference executor: it prepares a working copy for
// the task and runs the configured check command in it
type QualityLoop struct {
	repos     Repos
	workspace Workspace
	runner    Runner
	log       *logging.Logger
}

func NewQualityLoop(repos Repos, ws Workspace, runner Runner, log *logging.Logger) *QualityLoop {
	if log == nil {
		log = logging.Default()
	}
	return &QualityLoop{repos: repos, workspace: ws, runner: runner, log: log}
}

// Handlers returns the dispatch table for NewRouter
func (q *QualityLoop) Handlers() map[queue.WorkType]Handler {
	return map[queue.WorkType]Handler{
		queue.WorkPRMaintenance:       HandlerFunc(q.prMaintenance),
		queue.WorkPRReviewResponse:    HandlerFunc(q.prReviewResponse),
		queue.WorkDesignApprovalCheck: HandlerFunc(q.designApproval),
		queue.WorkNewWork:             HandlerFunc(q.newWork),
	}
}

func requireInt(md queue.Metadata, key string) (int, error) {
	n, ok := md.Int(key)
	if !ok || n <= 0 {
		return 0, Permanent(fmt.Errorf("metadata %s is missing or invalid", key))
	}
	return n, nil
}

func (q *QualityLoop) prMaintenance(ctx context.Context, req Request) (Result, error) {
	md := req.Unit.Metadata()
	number, err := requireInt(md, "pr_number")
	if err != nil {
		return Result{}, err
	}
	pr, err := q.repos.PullRequest(ctx, req.Tenant, number)
	if err != nil {
		return Result{}, err
	}
	if pr.GetState() == "closed" {
		return NoWork(), nil
	}
	// an unmergeable PR that became mergeable since the webhook needs nothing
	if md.String("reason") == "unmergeable" && pr.Mergeable != nil && *pr.Mergeable {
		return NoWork(), nil
	}
	return q.checkPR(ctx, req, md, pr)
}

func (q *QualityLoop) prReviewResponse(ctx context.Context, req Request) (Result, error) {
	md := req.Unit.Metadata()
	number, err := requireInt(md, "pr_number")
	if err != nil {
		return Result{}, err
	}
	pr, err := q.repos.PullRequest(ctx, req.Tenant, number)
	if err != nil {
		return Result{}, err
	}
	if pr.GetState() == "closed" {
		return NoWork(), nil
	}
	return q.checkPR(ctx, req, md, pr)
}

func (q *QualityLoop) checkPR(ctx context.Context, req Request, md queue.Metadata, pr *github.PullRequest) (Result, error) {
	number := pr.GetNumber()
	branch := md.String("branch_name")
	if branch == "" {
		branch = fmt.Sprintf("hookloop/pr-%d", number)
	}
	path, err := q.workspace.Prepare(ctx, req.Tenant, Checkout{
		Key:    fmt.Sprintf("pr-%d", number),
		Reuse:  md.String("worktree_path"),
		Ref:    fmt.Sprintf("refs/pull/%d/head", number),
		Branch: branch,
	})
	if err != nil {
		return Result{}, err
	}
	return q.check(ctx, req, path, branch, map[string]string{"HOOKLOOP_PR_NUMBER": strconv.Itoa(number)})
}

func issueLabels(issue *github.Issue) []string {
	out := make([]string, 0, len(issue.Labels))
	for _, l := range issue.Labels {
		out = append(out, l.GetName())
	}
	return out
}

func (q *QualityLoop) designApproval(ctx context.Context, req Request) (Result, error) {
	md := req.Unit.Metadata()
	number, err := requireInt(md, "issue_number")
	if err != nil {
		return Result{}, err
	}
	issue, err := q.repos.Issue(ctx, req.Tenant, number)
	if err != nil {
		return Result{}, err
	}
	if issue.GetState() == "closed" || !slices.Contains(issueLabels(issue), designApproved) {
		return NoWork(), nil
	}

	path, err := q.workspace.Prepare(ctx, req.Tenant, Checkout{Key: fmt.Sprintf("issue-%d-design", number)})
	if err != nil {
		return Result{}, err
	}
	return q.check(ctx, req, path, "", map[string]string{"HOOKLOOP_ISSUE_NUMBER": strconv.Itoa(number)})
}

func (q *QualityLoop) newWork(ctx context.Context, req Request) (Result, error) {
	md := req.Unit.Metadata()
	number, err := requireInt(md, "issue_number")
	if err != nil {
		return Result{}, err
	}
	issue, err := q.repos.Issue(ctx, req.Tenant, number)
	if err != nil {
		return Result{}, err
	}
	if issue.GetState() == "closed" || len(issue.Assignees) > 0 {
		return NoWork(), nil
	}

	branch := fmt.Sprintf("hookloop/issue-%d", number)
	path, err := q.workspace.Prepare(ctx, req.Tenant, Checkout{
		Key:    fmt.Sprintf("issue-%d", number),
		Reuse:  md.String("worktree_path"),
		Branch: branch,
		Create: true,
	})
	if err != nil {
		return Result{}, err
	}
	return q.check(ctx, req, path, branch, map[string]string{"HOOKLOOP_ISSUE_NUMBER": strconv.Itoa(number)})
}

func (q *QualityLoop) check(ctx context.Context, req Request, path, branch string, extra map[string]string) (Result, error) {
	env := map[string]string{
		"HOOKLOOP_TENANT":     req.Tenant.ID,
		"HOOKLOOP_REPOSITORY": req.Tenant.Repository,
		"HOOKLOOP_TASK_ID":    req.Unit.ID(),
		"HOOKLOOP_WORK_TYPE":  string(req.Unit.WorkType()),
		"HOOKLOOP_ATTEMPT":    strconv.Itoa(req.Attempt),
		"HOOKLOOP_WORKTREE":   path,
	}
	for k, v := range extra {
		env[k] = v
	}

	res, err := q.runner.Run(ctx, path, env)
	if err != nil {
		return Result{}, err
	}

	entry := q.log.WithField("worktree_path", path).
		WithTenant(req.Tenant.ID).
		WithTask(req.Unit.ID()).
		WithField("exit_code", res.ExitCode).
		WithField("duration_ms", res.Duration.Milliseconds())
	if res.Passed() {
		entry.Info("quality check passed")
		return Success(), nil
	}
	entry.Warn("quality check failed")

	msg := fmt.Sprintf("quality check exited %d", res.ExitCode)
	if res.TimedOut {
		msg = "quality check timed out"
	}
	resume := queue.Metadata{
		"worktree_path":    path,
		"quality_failures": res.Failures(maxQualityFailures),
	}
	if branch != "" {
		resume["branch_name"] = branch
	}
	return Failure(msg, resume), nil
}

// Package gitrepo implements C8: the eight Git operations the processor
// needs, backed by libgit2 via git2go. Values that alias git2go's C
// memory (strings, byte slices) are copied before they escape this
// package and a runtime.KeepAlive pins the source object until after the
// copy, the same unconditional safety discipline applied everywhere
// git2go.Odb/Object access aliases C memory.
package gitrepo

import (
	"runtime"
	"sort"
	"time"

	git2go "github.com/libgit2/git2go/v31"
	"github.com/pkg/errors"

	"github.com/Virviil/oci2git/internal/strset"
)

// Fixed commit identity written to every commit and to the repo config,
// per spec.md 4.8. There is no per-source or per-user identity concept.
const (
	IdentityName  = "oci2git"
	IdentityEmail = "oci2git@localhost"
)

// Backend is the interface the processor (C7) depends on, so tests can
// swap in a fake in-memory implementation instead of a real libgit2
// repository.
type Backend interface {
	BranchExists(name string) (bool, error)
	CreateBranchFromCommit(name, commitOID string) error
	SelectUnbornBranch(name string) error
	CommitAll(message string) (oid string, changed bool, err error)
	ListLocalBranches() ([]string, error)
	ListCommitsOldestFirst(branch string) ([]string, error)
	ReadFileAtCommit(commitOID, path string) (content string, ok bool, err error)
	ListSuccessors(commitOID string) ([]string, error)
}

// Repo is the libgit2-backed Backend implementation.
type Repo struct {
	repo *git2go.Repository
	path string
}

var _ Backend = (*Repo)(nil)

// Open opens the repository at path if one exists, else initializes a
// new non-bare one, then writes the fixed identity into its config.
func Open(path string) (*Repo, error) {
	repo, err := git2go.OpenRepository(path)
	if err != nil {
		repo, err = git2go.InitRepository(path, false)
		if err != nil {
			return nil, errors.Wrapf(err, "init repository at %s", path)
		}
	}

	cfg, err := repo.Config()
	if err != nil {
		return nil, errors.Wrap(err, "open repo config")
	}
	defer cfg.Free()
	if err := cfg.SetString("user.name", IdentityName); err != nil {
		return nil, errors.Wrap(err, "set user.name")
	}
	if err := cfg.SetString("user.email", IdentityEmail); err != nil {
		return nil, errors.Wrap(err, "set user.email")
	}

	return &Repo{repo: repo, path: path}, nil
}

func (r *Repo) BranchExists(name string) (bool, error) {
	b, err := r.repo.LookupBranch(name, git2go.BranchLocal)
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, errors.Wrapf(err, "lookup branch %s", name)
	}
	defer b.Free()
	return true, nil
}

// CreateBranchFromCommit creates name pointing at commitOID (or moves it
// there if it already exists) and hard-resets the working tree to match.
func (r *Repo) CreateBranchFromCommit(name, commitOID string) error {
	oid, err := git2go.NewOid(commitOID)
	if err != nil {
		return errors.Wrapf(err, "parse commit oid %s", commitOID)
	}
	commit, err := r.repo.LookupCommit(oid)
	if err != nil {
		return errors.Wrapf(err, "lookup commit %s", commitOID)
	}
	defer commit.Free()

	branch, err := r.repo.CreateBranch(name, commit, true)
	if err != nil {
		return errors.Wrapf(err, "create branch %s", name)
	}
	defer branch.Free()

	if err := r.repo.SetHead("refs/heads/" + name); err != nil {
		return errors.Wrapf(err, "set HEAD to %s", name)
	}
	opts, err := git2go.NewCheckoutOpts()
	if err != nil {
		return errors.Wrap(err, "build checkout options")
	}
	opts.Strategy = git2go.CheckoutForce
	if err := r.repo.CheckoutHead(opts); err != nil {
		return errors.Wrapf(err, "checkout %s", name)
	}
	return nil
}

// SelectUnbornBranch points HEAD at name without creating the ref; the
// ref materializes with the next CommitAll.
func (r *Repo) SelectUnbornBranch(name string) error {
	if err := r.repo.SetHead("refs/heads/" + name); err != nil {
		return errors.Wrapf(err, "set HEAD to unborn %s", name)
	}
	return nil
}

// CommitAll stages every path under the working tree, writes the tree
// and commits it onto whatever HEAD currently points to (a real branch
// or a not-yet-materialized one), with the current HEAD commit as
// parent if one exists. changed reports whether the staged tree differs
// from the parent's tree (false for the root commit only if the
// working tree is empty).
func (r *Repo) CommitAll(message string) (string, bool, error) {
	idx, err := r.repo.Index()
	if err != nil {
		return "", false, errors.Wrap(err, "open index")
	}
	defer idx.Free()

	if err := idx.AddAll([]string{}, git2go.IndexAddDefault, nil); err != nil {
		return "", false, errors.Wrap(err, "stage working tree")
	}
	if err := idx.Write(); err != nil {
		return "", false, errors.Wrap(err, "write index")
	}

	treeOid, err := idx.WriteTreeTo(r.repo)
	if err != nil {
		return "", false, errors.Wrap(err, "write tree")
	}
	tree, err := r.repo.LookupTree(treeOid)
	if err != nil {
		return "", false, errors.Wrap(err, "lookup written tree")
	}
	defer tree.Free()

	sig := &git2go.Signature{Name: IdentityName, Email: IdentityEmail, When: time.Now()}

	var parents []*git2go.Commit
	changed := tree.EntryCount() > 0
	if headRef, err := r.repo.Head(); err == nil {
		defer headRef.Free()
		parentCommit, err := r.repo.LookupCommit(headRef.Target())
		if err != nil {
			return "", false, errors.Wrap(err, "lookup HEAD commit")
		}
		defer parentCommit.Free()
		parents = append(parents, parentCommit)

		parentTree, err := parentCommit.Tree()
		if err != nil {
			return "", false, errors.Wrap(err, "lookup parent tree")
		}
		defer parentTree.Free()
		changed = !parentTree.Id().Equal(treeOid)
	}

	commitOid, err := r.repo.CreateCommit("HEAD", sig, sig, message, tree, parents...)
	if err != nil {
		return "", false, errors.Wrap(err, "create commit")
	}
	return cloneOid(commitOid).String(), changed, nil
}

func (r *Repo) ListLocalBranches() ([]string, error) {
	it, err := r.repo.NewBranchIterator(git2go.BranchLocal)
	if err != nil {
		return nil, errors.Wrap(err, "list branches")
	}
	defer it.Free()

	var names []string
	for {
		b, _, err := it.Next()
		if err != nil {
			break // iterator exhausted
		}
		name, err := b.Name()
		b.Free()
		if err != nil {
			continue
		}
		names = append(names, stringsClone(name))
	}
	sort.Strings(names)
	return names, nil
}

// ListCommitsOldestFirst walks branch's single-parent chain from its tip
// to the root and reverses it; this design never creates merge commits,
// so following ParentId(0) is a complete and exact history walk.
func (r *Repo) ListCommitsOldestFirst(branch string) ([]string, error) {
	b, err := r.repo.LookupBranch(branch, git2go.BranchLocal)
	if err != nil {
		return nil, errors.Wrapf(err, "lookup branch %s", branch)
	}
	defer b.Free()

	tipOid := b.Target()
	if tipOid == nil {
		return nil, nil
	}

	var newestFirst []string
	oid := tipOid
	for oid != nil {
		commit, err := r.repo.LookupCommit(oid)
		if err != nil {
			return nil, errors.Wrapf(err, "lookup commit %s", oid.String())
		}
		newestFirst = append(newestFirst, cloneOid(oid).String())
		if commit.ParentCount() == 0 {
			commit.Free()
			break
		}
		oid = commit.ParentId(0)
		commit.Free()
	}

	oldestFirst := make([]string, len(newestFirst))
	for i, s := range newestFirst {
		oldestFirst[len(newestFirst)-1-i] = s
	}
	return oldestFirst, nil
}

// ReadFileAtCommit reads a path's blob contents at commitOID as UTF-8.
// ok is false if the path does not exist in that commit's tree.
func (r *Repo) ReadFileAtCommit(commitOID, path string) (string, bool, error) {
	oid, err := git2go.NewOid(commitOID)
	if err != nil {
		return "", false, errors.Wrapf(err, "parse commit oid %s", commitOID)
	}
	commit, err := r.repo.LookupCommit(oid)
	if err != nil {
		return "", false, errors.Wrapf(err, "lookup commit %s", commitOID)
	}
	defer commit.Free()

	tree, err := commit.Tree()
	if err != nil {
		return "", false, errors.Wrap(err, "lookup commit tree")
	}
	defer tree.Free()

	entry, err := tree.EntryByPath(path)
	if err != nil {
		return "", false, nil
	}

	blob, err := r.repo.LookupBlob(entry.Id)
	if err != nil {
		return "", false, errors.Wrapf(err, "lookup blob %s", path)
	}
	defer blob.Free()

	content := bytesClone(blob.Contents())
	return string(content), true, nil
}

// ListSuccessors implements spec.md 4.5's candidate enumeration: given a
// commit, the commit immediately after it on each branch that contains
// it; given "", the oldest commit of each branch. Results are
// de-duplicated.
func (r *Repo) ListSuccessors(commitOID string) ([]string, error) {
	branches, err := r.ListLocalBranches()
	if err != nil {
		return nil, err
	}

	seen := strset.New()
	var out []string
	for _, branch := range branches {
		commits, err := r.ListCommitsOldestFirst(branch)
		if err != nil {
			return nil, err
		}
		if len(commits) == 0 {
			continue
		}

		var candidate string
		if commitOID == "" {
			candidate = commits[0]
		} else {
			for i, c := range commits {
				if c == commitOID && i+1 < len(commits) {
					candidate = commits[i+1]
					break
				}
			}
		}
		if candidate != "" && !seen.Contains(candidate) {
			seen.Add(candidate)
			out = append(out, candidate)
		}
	}
	return out, nil
}

func isNotFound(err error) bool {
	gerr, ok := err.(*git2go.GitError)
	return ok && gerr.Code == git2go.ErrorCodeNotFound
}

func stringsClone(s string) string {
	b := make([]byte, len(s))
	copy(b, s)
	return string(b)
}

func bytesClone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	runtime.KeepAlive(b)
	return out
}

func cloneOid(oid *git2go.Oid) *git2go.Oid {
	var out git2go.Oid
	copy(out[:], oid[:])
	runtime.KeepAlive(oid)
	return &out
}

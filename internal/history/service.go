// Package history is the version snapshot archive: one git repository per
// document, one commit per committed version, tagged vN. Snapshot writes are
// best-effort by policy; the live document record in Postgres is always the
// source of truth for current content.
package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"studyhall/api/internal/content"
	"studyhall/api/internal/store"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// Snapshot is the immutable payload committed for each version.
type Snapshot struct {
	Version   int             `json:"version"`
	Title     string          `json:"title"`
	Content   content.Content `json:"content"`
	CreatedBy string          `json:"createdBy"`
}

var ErrVersionNotFound = errors.New("version snapshot not found")

type Service struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}
}

// CreateInitialVersion initializes the archive for a new document and
// commits snapshot v1.
func (s *Service) CreateInitialVersion(documentID, title string, body content.Content, author string) error {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	path := s.repoPath(documentID)
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat archive path: %w", err)
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("create archive dir: %w", err)
	}

	repo, err := git.PlainInit(path, false)
	if err != nil {
		return fmt.Errorf("init archive: %w", err)
	}

	hash, err := s.writeSnapshot(repo, path, Snapshot{Version: 1, Title: title, Content: body, CreatedBy: author}, author)
	if err != nil {
		return err
	}
	if err := repo.Storer.SetReference(plumbing.NewHashReference(plumbing.NewBranchReferenceName("main"), hash)); err != nil {
		return fmt.Errorf("set main branch ref: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName("main"))); err != nil {
		return fmt.Errorf("set HEAD to main: %w", err)
	}
	return s.tagVersion(repo, hash, 1)
}

// CommitVersion writes the snapshot for a bumped version and tags it vN.
func (s *Service) CommitVersion(documentID string, version int, title string, body content.Content, author string) (store.SnapshotInfo, error) {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	path := s.repoPath(documentID)
	repo, err := git.PlainOpen(path)
	if err != nil {
		return store.SnapshotInfo{}, fmt.Errorf("open archive: %w", err)
	}

	hash, err := s.writeSnapshot(repo, path, Snapshot{Version: version, Title: title, Content: body, CreatedBy: author}, author)
	if err != nil {
		return store.SnapshotInfo{}, err
	}
	if err := s.tagVersion(repo, hash, version); err != nil {
		return store.SnapshotInfo{}, err
	}

	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return store.SnapshotInfo{}, fmt.Errorf("read commit object: %w", err)
	}
	return store.SnapshotInfo{
		Version:   version,
		Hash:      commitObj.Hash.String(),
		Title:     title,
		CreatedBy: author,
		CreatedAt: commitObj.Author.When,
	}, nil
}

// GetVersion loads the immutable snapshot for a version number.
func (s *Service) GetVersion(documentID string, version int) (Snapshot, error) {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(documentID))
	if err != nil {
		return Snapshot{}, fmt.Errorf("open archive: %w", err)
	}

	commitObj, err := versionCommit(repo, version)
	if err != nil {
		return Snapshot{}, err
	}
	return readSnapshot(commitObj)
}

// Verify reports whether the snapshot for a version was actually written;
// callers that need guaranteed history check this after a save and re-commit
// if the best-effort write was lost.
func (s *Service) Verify(documentID string, version int) bool {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(documentID))
	if err != nil {
		return false
	}
	_, err = versionCommit(repo, version)
	return err == nil
}

// ListVersions returns snapshot metadata, newest version first.
func (s *Service) ListVersions(documentID string) ([]store.SnapshotInfo, error) {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(documentID))
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}

	iter, err := repo.Tags()
	if err != nil {
		return nil, fmt.Errorf("read tags: %w", err)
	}
	defer iter.Close()

	items := make([]store.SnapshotInfo, 0)
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		version, ok := parseVersionTag(ref.Name().Short())
		if !ok {
			return nil
		}
		commitObj, err := resolveTagCommit(repo, ref)
		if err != nil {
			return err
		}
		snapshot, err := readSnapshot(commitObj)
		if err != nil {
			return err
		}
		items = append(items, store.SnapshotInfo{
			Version:   version,
			Hash:      commitObj.Hash.String(),
			Title:     snapshot.Title,
			CreatedBy: snapshot.CreatedBy,
			CreatedAt: commitObj.Author.When,
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("iterate tags: %w", err)
	}

	sort.Slice(items, func(i, j int) bool { return items[i].Version > items[j].Version })
	return items, nil
}

// Delete removes the whole archive; called from the cascading document
// delete path.
func (s *Service) Delete(documentID string) error {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	if err := os.RemoveAll(s.repoPath(documentID)); err != nil {
		return fmt.Errorf("remove archive: %w", err)
	}
	return nil
}

func (s *Service) repoPath(documentID string) string {
	return filepath.Join(s.baseDir, documentID)
}

func (s *Service) documentLock(documentID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[documentID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[documentID] = lock
	return lock
}

func (s *Service) writeSnapshot(repo *git.Repository, path string, snapshot Snapshot, author string) (plumbing.Hash, error) {
	worktree, err := repo.Worktree()
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("open worktree: %w", err)
	}

	payload, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := os.WriteFile(filepath.Join(path, "snapshot.json"), append(payload, '\n'), 0o644); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("write snapshot.json: %w", err)
	}
	if _, err := worktree.Add("snapshot.json"); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("git add snapshot: %w", err)
	}

	hash, err := worktree.Commit(fmt.Sprintf("Version %d", snapshot.Version), &git.CommitOptions{
		AllowEmptyCommits: true,
		Author: &object.Signature{
			Name:  author,
			Email: fmt.Sprintf("%s@local.studyhall.dev", sanitizeEmail(author)),
			When:  time.Now(),
		},
	})
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("commit snapshot: %w", err)
	}
	return hash, nil
}

func (s *Service) tagVersion(repo *git.Repository, hash plumbing.Hash, version int) error {
	name := fmt.Sprintf("v%d", version)
	_, err := repo.CreateTag(name, hash, &git.CreateTagOptions{
		Tagger: &object.Signature{
			Name:  "Studyhall",
			Email: "studyhall@localhost",
			When:  time.Now(),
		},
		Message: name,
	})
	if err != nil && !errors.Is(err, git.ErrTagExists) {
		return fmt.Errorf("create version tag: %w", err)
	}
	return nil
}

func versionCommit(repo *git.Repository, version int) (*object.Commit, error) {
	ref, err := repo.Reference(plumbing.NewTagReferenceName(fmt.Sprintf("v%d", version)), true)
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return nil, ErrVersionNotFound
		}
		return nil, fmt.Errorf("resolve version tag: %w", err)
	}
	return resolveTagCommit(repo, ref)
}

func resolveTagCommit(repo *git.Repository, ref *plumbing.Reference) (*object.Commit, error) {
	if tagObj, err := repo.TagObject(ref.Hash()); err == nil {
		commitObj, err := tagObj.Commit()
		if err != nil {
			return nil, fmt.Errorf("resolve tag commit: %w", err)
		}
		return commitObj, nil
	}
	commitObj, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return nil, fmt.Errorf("read tagged commit: %w", err)
	}
	return commitObj, nil
}

func readSnapshot(commitObj *object.Commit) (Snapshot, error) {
	file, err := commitObj.File("snapshot.json")
	if err != nil {
		return Snapshot{}, fmt.Errorf("load snapshot.json from commit: %w", err)
	}
	raw, err := file.Contents()
	if err != nil {
		return Snapshot{}, fmt.Errorf("read snapshot contents: %w", err)
	}

	var snapshot Snapshot
	if err := json.Unmarshal([]byte(raw), &snapshot); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return snapshot, nil
}

func parseVersionTag(name string) (int, bool) {
	if !strings.HasPrefix(name, "v") {
		return 0, false
	}
	version, err := strconv.Atoi(strings.TrimPrefix(name, "v"))
	if err != nil || version < 1 {
		return 0, false
	}
	return version, true
}

func sanitizeEmail(author string) string {
	cleaned := strings.ToLower(strings.TrimSpace(author))
	cleaned = strings.ReplaceAll(cleaned, " ", ".")
	if cleaned == "" {
		return "user"
	}
	return cleaned
}

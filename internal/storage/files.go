// Package storage contains the file-backed identity store.
//
// Layout, one directory per principal:
//
//	<root>/<principal>/did.json            public identity document
//	<root>/<principal>/key-1_private.pem   private key, mode 0600
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"runtime"

	"golang.org/x/sync/singleflight"

	"github.com/RegistryAccord/registryaccord-didwba-go/internal/did"
	"github.com/RegistryAccord/registryaccord-didwba-go/internal/keys"
	"github.com/RegistryAccord/registryaccord-didwba-go/internal/model"
)

// MethodFragment names the single verification method of a created identity.
const MethodFragment = "key-1"

const (
	dirPerm  = 0o700
	keyPerm  = 0o600
	docPerm  = 0o644
	maxDocSz = 64 << 10
)

var principalPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// FileIdentityStore persists identities below a root directory.
// It is safe for concurrent use, including by several processes sharing the root.
type FileIdentityStore struct {
	root       string
	docName    string
	keyName    string
	host       string
	port       int
	pathPrefix []string
	encoding   string
	suite      keys.Suite
	logger     *slog.Logger
	group      singleflight.Group
}

// FileOption configures a FileIdentityStore.
type FileOption func(*FileIdentityStore)

// WithFileNames overrides the document and private key file names.
func WithFileNames(document, privateKey string) FileOption {
	return func(s *FileIdentityStore) {
		s.docName, s.keyName = document, privateKey
	}
}

// WithDIDAuthority sets the host and port written into created DIDs (port 0 omits it).
func WithDIDAuthority(host string, port int) FileOption {
	return func(s *FileIdentityStore) {
		s.host, s.port = host, port
	}
}

// WithPathPrefix sets the DID path segments placed before the principal.
func WithPathPrefix(segments ...string) FileOption {
	return func(s *FileIdentityStore) {
		s.pathPrefix = append([]string(nil), segments...)
	}
}

// WithKeyEncoding selects publicKeyJwk (keys.EncodingJWK) or publicKeyMultibase.
func WithKeyEncoding(encoding string) FileOption {
	return func(s *FileIdentityStore) {
		s.encoding = encoding
	}
}

// WithFileLogger sets the logger.
func WithFileLogger(logger *slog.Logger) FileOption {
	return func(s *FileIdentityStore) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewFileIdentityStore creates a store rooted at root.
func NewFileIdentityStore(root string, opts ...FileOption) *FileIdentityStore {
	s := &FileIdentityStore{
		root:       root,
		docName:    "did.json",
		keyName:    MethodFragment + "_private.pem",
		host:       "localhost",
		port:       8000,
		pathPrefix: []string{"wba", "user"},
		encoding:   keys.EncodingJWK,
		suite:      keys.Secp256k1,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// PathPrefix returns the DID path segments placed before the principal.
func (s *FileIdentityStore) PathPrefix() []string {
	return append([]string(nil), s.pathPrefix...)
}

// GetOrCreate implements IdentityStore.
//
// Both files of a new identity are written into a temporary directory that
// is renamed into place, so readers never observe a half-written identity.
// When two creators race, the loser discards its directory and loads the winner's.
func (s *FileIdentityStore) GetOrCreate(ctx context.Context, principal string) (*Identity, error) {
	if !principalPattern.MatchString(principal) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPrincipal, principal)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v, err, _ := s.group.Do(principal, func() (any, error) {
		id, err := s.load(principal)
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return s.create(principal)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Identity), nil
}

// LoadDocument implements DocumentStore.
func (s *FileIdentityStore) LoadDocument(ctx context.Context, principal string) (model.DIDDocument, error) {
	if !principalPattern.MatchString(principal) {
		return model.DIDDocument{}, ErrNotFound
	}
	if err := ctx.Err(); err != nil {
		return model.DIDDocument{}, err
	}
	doc, err := s.readDocument(filepath.Join(s.root, principal))
	if errors.Is(err, fs.ErrNotExist) {
		return model.DIDDocument{}, ErrNotFound
	}
	return doc, err
}

func (s *FileIdentityStore) load(principal string) (*Identity, error) {
	dir := filepath.Join(s.root, principal)
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("stat identity dir: %w", err)
	}

	doc, err := s.readDocument(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptIdentityStore, principal, err)
	}

	keyPath := filepath.Join(dir, s.keyName)
	info, err := os.Stat(keyPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptIdentityStore, principal, err)
	}
	if runtime.GOOS != "windows" && info.Mode().Perm()&0o077 != 0 {
		return nil, fmt.Errorf("%w: %s has insecure permissions %04o (expected 0600)", ErrCorruptIdentityStore, keyPath, info.Mode().Perm())
	}
	pemBytes, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptIdentityStore, principal, err)
	}

	vm, ok := doc.Method(MethodFragment)
	if !ok {
		return nil, fmt.Errorf("%w: %s: document has no %s method", ErrCorruptIdentityStore, principal, MethodFragment)
	}
	suite, err := keys.Lookup(vm.Type)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptIdentityStore, principal, err)
	}
	priv, err := suite.ParsePrivateKeyPEM(pemBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptIdentityStore, principal, err)
	}
	pub, err := suite.PublicKeyFromMethod(vm)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptIdentityStore, principal, err)
	}
	if !pub.Equal(priv.Public()) {
		return nil, fmt.Errorf("%w: %s: private key does not match document", ErrCorruptIdentityStore, principal)
	}

	return &Identity{Document: doc, Key: priv, MethodID: doc.AbsoluteID(vm.ID), Dir: dir}, nil
}

func (s *FileIdentityStore) create(principal string) (*Identity, error) {
	didID, err := did.New(s.host, s.port, append(s.PathPrefix(), principal)...)
	if err != nil {
		return nil, err
	}
	priv, err := s.suite.Generate()
	if err != nil {
		return nil, err
	}
	methodID := didID + "#" + MethodFragment
	vm, err := s.suite.Method(priv.Public(), methodID, didID, s.encoding)
	if err != nil {
		return nil, err
	}
	doc := model.DIDDocument{
		Context:            append([]string(nil), model.DefaultContexts...),
		ID:                 didID,
		Controller:         didID,
		VerificationMethod: []model.VerificationMethod{vm},
		Authentication:     []string{methodID},
	}

	docBytes, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal document: %w", err)
	}
	pemBytes, err := priv.MarshalPEM()
	if err != nil {
		return nil, fmt.Errorf("marshal private key: %w", err)
	}

	if err := os.MkdirAll(s.root, dirPerm); err != nil {
		return nil, fmt.Errorf("create identity root: %w", err)
	}
	tmp, err := os.MkdirTemp(s.root, "."+principal+".tmp-")
	if err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(tmp) // no-op once renamed

	if err := writeFileSync(filepath.Join(tmp, s.keyName), pemBytes, keyPerm); err != nil {
		return nil, err
	}
	if err := writeFileSync(filepath.Join(tmp, s.docName), docBytes, docPerm); err != nil {
		return nil, err
	}

	dir := filepath.Join(s.root, principal)
	if err := os.Rename(tmp, dir); err != nil {
		// another process published the identity first
		if _, statErr := os.Stat(dir); statErr == nil {
			s.logger.Info("identity created concurrently, loading existing", "principal", principal)
			return s.load(principal)
		}
		return nil, fmt.Errorf("publish identity: %w", err)
	}

	s.logger.Info("identity created", "principal", principal, "did", didID)
	return &Identity{Document: doc, Key: priv, MethodID: methodID, Dir: dir}, nil
}

func (s *FileIdentityStore) readDocument(dir string) (model.DIDDocument, error) {
	f, err := os.Open(filepath.Join(dir, s.docName))
	if err != nil {
		return model.DIDDocument{}, err
	}
	defer f.Close()

	var doc model.DIDDocument
	dec := json.NewDecoder(io.LimitReader(f, maxDocSz))
	if err := dec.Decode(&doc); err != nil {
		return model.DIDDocument{}, fmt.Errorf("decode document: %w", err)
	}
	if doc.ID == "" {
		return model.DIDDocument{}, errors.New("document has no id")
	}
	return doc, nil
}

func writeFileSync(path string, data []byte, perm os.FileMode) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return fmt.Errorf("create %s: %w", filepath.Base(path), err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync %s: %w", filepath.Base(path), err)
	}
	return f.Close()
}

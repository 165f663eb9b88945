package core

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path"
	"sort"

	pb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/golang/protobuf/proto"
	"github.com/golang/protobuf/ptypes"

	"github.com/razel-build/razel/src/fs"
)

// A Digester builds the REv2 Action/Command/Directory messages for an
// Action and computes the digest that becomes its cache key. This mirrors
// uploadAction/buildCommand/digestDir in the teacher's remote client, minus
// the actual network upload: here the Merkle tree is only ever hashed, not
// shipped anywhere, until the cache layer decides it needs to.
type Digester struct {
	Hasher *fs.PathHasher
}

// NewDigester constructs a Digester using the given path hasher for file
// content hashing.
func NewDigester(hasher *fs.PathHasher) *Digester {
	return &Digester{Hasher: hasher}
}

// DigestAction computes the Command, the input root digest and the Action
// digest for a resolved Action. workspaceRoot is the directory that
// a.Inputs are relative to.
func (d *Digester) DigestAction(a *Action, workspaceRoot string) (*pb.Command, *pb.Digest, *pb.Digest, error) {
	inputRoot, err := d.inputRoot(a, workspaceRoot)
	if err != nil {
		return nil, nil, nil, err
	}
	inputRootDigest := digestMessage(inputRoot)
	cmd := d.buildCommand(a)
	cmdDigest := digestMessage(cmd)
	action := &pb.Action{
		CommandDigest:   cmdDigest,
		InputRootDigest: inputRootDigest,
		Timeout:         ptypes.DurationProto(a.Timeout),
		DoNotCache:      a.NoCache,
	}
	return cmd, inputRootDigest, digestMessage(action), nil
}

// buildCommand builds the Command message for an Action: arguments
// as-is (ordering is significant to the command itself) and a sorted
// environment (ordering is not significant, but REv2 requires the list be
// sorted anyway so two equivalent commands digest identically).
func (d *Digester) buildCommand(a *Action) *pb.Command {
	files, dirs := splitOutputs(a.Outputs)
	return &pb.Command{
		Arguments:            a.Args,
		EnvironmentVariables: buildEnv(a.SortedEnv()),
		OutputFiles:          files,
		OutputDirectories:    dirs,
		OutputPaths:          append(append([]string{}, files...), dirs...),
	}
}

// buildEnv translates sorted "KEY=VALUE" pairs to the proto representation.
// Grounded on remote.buildEnv in the teacher, which sorts for the same
// reason: the spec (and REv2) requires a sorted list, not merely a
// consistently-ordered one.
func buildEnv(env []string) []*pb.Command_EnvironmentVariable {
	vars := make([]*pb.Command_EnvironmentVariable, 0, len(env))
	for _, e := range env {
		for i := 0; i < len(e); i++ {
			if e[i] == '=' {
				vars = append(vars, &pb.Command_EnvironmentVariable{Name: e[:i], Value: e[i+1:]})
				break
			}
		}
	}
	return vars
}

// splitOutputs divides declared outputs into files and directories based on
// a trailing slash convention (a declared output ending in "/" is a
// directory output), sorting each list so that reordering an action's
// declared outputs never changes its digest.
func splitOutputs(outputs []string) (files, dirs []string) {
	for _, o := range outputs {
		if len(o) > 0 && o[len(o)-1] == '/' {
			dirs = append(dirs, o[:len(o)-1])
		} else {
			files = append(files, o)
		}
	}
	sort.Strings(files)
	sort.Strings(dirs)
	return files, dirs
}

// inputRoot walks an action's declared inputs and assembles the Merkle
// Directory tree for them, bottom-up by depth, exactly as digestDir does in
// the teacher's remote client.
func (d *Digester) inputRoot(a *Action, workspaceRoot string) (*pb.Directory, error) {
	b := newDirBuilder()
	for _, in := range a.Inputs {
		full := path.Join(workspaceRoot, in)
		if err := d.addInput(b, in, full); err != nil {
			return nil, err
		}
	}
	return b.root(), nil
}

func (d *Digester) addInput(b *dirBuilder, rel, full string) error {
	return fs.Walk(full, func(name string, isDir bool) error {
		if isDir {
			return nil
		}
		dest := rel + name[len(full):]
		dir := b.dir(path.Dir(dest))
		info, err := os.Lstat(name)
		if err != nil {
			return err
		}
		if info.Mode()&os.ModeSymlink != 0 {
			link, err := os.Readlink(name)
			if err != nil {
				return err
			}
			dir.Symlinks = append(dir.Symlinks, &pb.SymlinkNode{Name: path.Base(dest), Target: link})
			return nil
		}
		h, err := d.Hasher.Hash(name, false, true)
		if err != nil {
			return err
		}
		dir.Files = append(dir.Files, &pb.FileNode{
			Name:         path.Base(dest),
			Digest:       &pb.Digest{Hash: hex.EncodeToString(h), SizeBytes: info.Size()},
			IsExecutable: info.Mode()&0111 != 0,
		})
		return nil
	})
}

// digestMessage marshals a proto message canonically and returns its digest.
// Proto marshalling of a value with sorted repeated fields is deterministic
// across runs for our purposes (field order within a message is fixed by
// the schema), which is what lets two structurally-equal actions collide on
// the same digest.
func digestMessage(msg proto.Message) *pb.Digest {
	b, err := proto.Marshal(msg)
	if err != nil {
		// Marshalling one of our own well-formed messages should never fail;
		// a failure here means a Directory/Command was built with an
		// invalid field, which is a programmer error, not a runtime one.
		panic(err)
	}
	return digestBlob(b)
}

func digestBlob(b []byte) *pb.Digest {
	h := sha256.Sum256(b)
	return &pb.Digest{Hash: hex.EncodeToString(h[:]), SizeBytes: int64(len(b))}
}

// dirBuilder accumulates Directory messages for every path encountered
// while walking an action's inputs, then assembles them bottom-up into a
// single input root, mirroring the teacher's internal dirBuilder type used
// by uploadInputs/digestDir.
type dirBuilder struct {
	dirs map[string]*pb.Directory
}

func newDirBuilder() *dirBuilder {
	return &dirBuilder{dirs: map[string]*pb.Directory{}}
}

func (b *dirBuilder) dir(name string) *pb.Directory {
	if name == "." {
		name = ""
	}
	if d, present := b.dirs[name]; present {
		return d
	}
	d := &pb.Directory{}
	b.dirs[name] = d
	if name != "" {
		parent := path.Dir(name)
		if parent == "." {
			parent = ""
		}
		b.dir(parent) // ensure ancestors exist so root() can walk down to this one
	}
	return d
}

// root links every directory into its parent's Directories list, in
// descending path-depth order (children before parents, as digestDir does),
// and returns the root Directory.
func (b *dirBuilder) root() *pb.Directory {
	names := make([]string, 0, len(b.dirs))
	for name := range b.dirs {
		names = append(names, name)
	}
	// Deepest paths first so a parent always sees its child's digest
	// already computed before it is itself digested.
	sort.Slice(names, func(i, j int) bool { return depth(names[i]) > depth(names[j]) })
	for _, name := range names {
		if name == "" {
			continue
		}
		parent := path.Dir(name)
		if parent == "." {
			parent = ""
		}
		p := b.dirs[parent]
		digest := digestMessage(b.dirs[name])
		p.Directories = append(p.Directories, &pb.DirectoryNode{Name: path.Base(name), Digest: digest})
	}
	return b.dirs[""]
}

func depth(name string) int {
	n := 0
	for _, c := range name {
		if c == '/' {
			n++
		}
	}
	if name != "" {
		n++
	}
	return n
}


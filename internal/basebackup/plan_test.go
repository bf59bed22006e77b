package basebackup

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func violationFlags(vs []Violation) []string {
	out := make([]string, 0, len(vs))
	for _, v := range vs {
		out = append(out, v.Flag)
	}
	return out
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name      string
		cfg       Config
		wantFlags []string
	}{
		{
			name:      "no destination at all",
			cfg:       Config{},
			wantFlags: []string{"-D"},
		},
		{
			name: "plain defaults",
			cfg:  Config{Destination: "/backups/b1"},
		},
		{
			name:      "invalid format",
			cfg:       Config{Destination: "/backups/b1", Format: "cpio"},
			wantFlags: []string{"-F"},
		},
		{
			name:      "invalid wal method",
			cfg:       Config{Destination: "/backups/b1", WALMethod: "copy"},
			wantFlags: []string{"-X"},
		},
		{
			name: "blackhole target with explicit fetch",
			cfg:  Config{Target: "blackhole", WALMethod: WALMethodFetch},
		},
		{
			name:      "target defaults to stream which is rejected",
			cfg:       Config{Target: "blackhole"},
			wantFlags: []string{"--target"},
		},
		{
			name:      "unknown target",
			cfg:       Config{Target: "s3:bucket", WALMethod: WALMethodNone},
			wantFlags: []string{"--target"},
		},
		{
			name: "target plus destination",
			cfg: Config{
				Target:      "blackhole",
				Destination: "/backups/b1",
				WALMethod:   WALMethodNone,
			},
			wantFlags: []string{"--target"},
		},
		{
			name: "target plus explicit format",
			cfg: Config{
				Target:         "server:/var/backups",
				WALMethod:      WALMethodFetch,
				Format:         FormatPlain,
				FormatExplicit: true,
			},
			wantFlags: []string{"--target"},
		},
		{
			name:      "slot without streaming",
			cfg:       Config{Destination: "/b", WALMethod: WALMethodNone, Slot: "s1"},
			wantFlags: []string{"-S"},
		},
		{
			name:      "create-slot without a name",
			cfg:       Config{Destination: "/b", CreateSlot: true},
			wantFlags: []string{"-C"},
		},
		{
			name:      "create-slot with no-slot",
			cfg:       Config{Destination: "/b", Slot: "s1", CreateSlot: true, NoSlot: true},
			wantFlags: []string{"-C"},
		},
		{
			name:      "waldir in tar mode",
			cfg:       Config{Destination: "/b", Format: FormatTar, WALDir: "/wal"},
			wantFlags: []string{"--waldir"},
		},
		{
			name:      "negative max rate",
			cfg:       Config{Destination: "/b", MaxRate: -1},
			wantFlags: []string{"--max-rate"},
		},
		{
			name:      "broken tablespace mapping",
			cfg:       Config{Destination: "/b", TablespaceMappings: []string{"no-separator"}},
			wantFlags: []string{"-T"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vs := tt.cfg.Validate()
			if len(tt.wantFlags) == 0 {
				assert.Empty(t, vs)
				return
			}
			assert.Equal(t, tt.wantFlags, violationFlags(vs))
		})
	}
}

func TestResolvedDefaults(t *testing.T) {
	c := &Config{Destination: "/b"}
	assert.Equal(t, WALMethodStream, c.ResolvedWALMethod())
	assert.Equal(t, FormatPlain, c.ResolvedFormat())

	c = &Config{Destination: "/b", WALMethod: WALMethodFetch, Format: FormatTar}
	assert.Equal(t, WALMethodFetch, c.ResolvedWALMethod())
	assert.Equal(t, FormatTar, c.ResolvedFormat())
}

func TestServerTargetPath(t *testing.T) {
	c := &Config{Target: "server:/var/lib/backups"}
	dir, ok := c.ServerTargetPath()
	assert.True(t, ok)
	assert.Equal(t, "/var/lib/backups", dir)

	c = &Config{Target: "blackhole"}
	_, ok = c.ServerTargetPath()
	assert.False(t, ok)
}

func TestParseTablespaceMapping(t *testing.T) {
	m, err := ParseTablespaceMapping("/old/ts=/new/ts")
	require.NoError(t, err)
	assert.Equal(t, "/old/ts", m.Source)
	assert.Equal(t, "/new/ts", m.Destination)

	// escaped separator inside a path component
	m, err = ParseTablespaceMapping(`/odd\=dir=/new/ts`)
	require.NoError(t, err)
	assert.Equal(t, "/odd=dir", m.Source)
	assert.Equal(t, "/new/ts", m.Destination)

	_, err = ParseTablespaceMapping("/old/ts")
	require.Error(t, err)

	_, err = ParseTablespaceMapping("/a=/b=/c")
	require.Error(t, err)

	_, err = ParseTablespaceMapping("relative=/abs")
	require.Error(t, err)

	_, err = ParseTablespaceMapping("/abs=relative")
	require.Error(t, err)

	_, err = ParseTablespaceMapping("=/abs")
	require.Error(t, err)
}

func TestParseTablespaceMappingsDuplicates(t *testing.T) {
	_, err := ParseTablespaceMappings([]string{"/a=/b", "/a=/c"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")

	ms, err := ParseTablespaceMappings([]string{"/a=/b", "/c=/d"})
	require.NoError(t, err)
	require.Len(t, ms, 2)

	dest, ok := LookupMapping(ms, "/c")
	assert.True(t, ok)
	assert.Equal(t, "/d", dest)

	_, ok = LookupMapping(ms, "/x")
	assert.False(t, ok)
}

func TestParseCompression(t *testing.T) {
	tests := []struct {
		in      string
		want    CompressionSpec
		wantErr bool
	}{
		{in: "", want: CompressionSpec{Method: CompressionNone}},
		{in: "none", want: CompressionSpec{Method: CompressionNone}},
		{in: "gzip", want: CompressionSpec{Method: CompressionGzip}},
		{in: "gzip:1", want: CompressionSpec{Method: CompressionGzip, Level: 1, HasLevel: true}},
		{in: "zstd:19", want: CompressionSpec{Method: CompressionZstd, Level: 19, HasLevel: true}},
		{in: "lz4:9", want: CompressionSpec{Method: CompressionLZ4, Level: 9, HasLevel: true}},
		// bare integer is a gzip level
		{in: "5", want: CompressionSpec{Method: CompressionGzip, Level: 5, HasLevel: true}},
		// level with the method omitted
		{in: ":5", want: CompressionSpec{Method: CompressionGzip, Level: 5, HasLevel: true}},
		{in: "none:3", wantErr: true},
		{in: "gzip:", wantErr: true},
		{in: "gzip:0", wantErr: true},
		{in: "gzip:10", wantErr: true},
		{in: "zstd:23", wantErr: true},
		{in: "lz4:abc", wantErr: true},
		{in: "snappy", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseCompression(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

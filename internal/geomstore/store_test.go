package geomstore

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wegman-software/featuresync/internal/attachstore"
	"github.com/wegman-software/featuresync/internal/changelog"
	"github.com/wegman-software/featuresync/internal/feature"
	"github.com/wegman-software/featuresync/internal/storage/boltdb"
)

type testEnv struct {
	dir   string
	db    *boltdb.DB
	log   *changelog.Log
	store *Store
}

func newTestStore(t *testing.T, gtype feature.GeometryType) *testEnv {
	t.Helper()
	dir := t.TempDir()
	return openTestStore(t, dir, gtype)
}

func openTestStore(t *testing.T, dir string, gtype feature.GeometryType) *testEnv {
	t.Helper()
	db, err := boltdb.Open(filepath.Join(dir, "layer.db"), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	log, err := changelog.Open(db.Ledger())
	require.NoError(t, err)

	schema := &feature.Schema{
		Name:         "test",
		GeometryType: gtype,
		AllowMulti:   true,
		Fields: []feature.Field{
			{Name: "name", Alias: "Name", Type: feature.FieldString},
			{Name: "height", Alias: "Height", Type: feature.FieldReal},
		},
	}
	opts := DefaultOptions()
	opts.IndexPath = filepath.Join(dir, "layer.fsix")

	s, err := New(schema, db, log, attachstore.New(filepath.Join(dir, "attachments")), opts)
	require.NoError(t, err)
	require.NoError(t, s.LoadCache())
	return &testEnv{dir: dir, db: db, log: log, store: s}
}

func pointFeature(id int64, x, y float64) *feature.Feature {
	return &feature.Feature{
		ID:       id,
		Geometry: orb.Point{x, y},
		Values:   map[string]feature.Value{"name": feature.StringValue("p")},
	}
}

func TestCreateEditEditQueuesOneNew(t *testing.T) {
	env := newTestStore(t, feature.GeometryPoint)
	s := env.store

	id, err := s.CreateFeature(pointFeature(0, 10, 20))
	require.NoError(t, err)
	assert.True(t, feature.IsLocalID(id))

	require.NoError(t, s.UpdateValues(id, map[string]feature.Value{"name": feature.StringValue("a")}))
	require.NoError(t, s.UpdateGeometry(id, orb.Point{11, 21}))

	records := env.log.Records()
	require.Len(t, records, 1)
	assert.Equal(t, changelog.OpNew, records[0].Op)
	assert.Equal(t, id, records[0].FeatureID)

	got, err := s.GetFeature(id)
	require.NoError(t, err)
	assert.Equal(t, orb.Point{11, 21}, got.Geometry)
	assert.Equal(t, "a", got.Values["name"].Str())
}

func TestCreateDeleteLeavesNoRecords(t *testing.T) {
	env := newTestStore(t, feature.GeometryPoint)
	s := env.store

	id, err := s.CreateFeature(pointFeature(0, 10, 20))
	require.NoError(t, err)
	require.NoError(t, s.DeleteFeature(id))

	assert.Equal(t, 0, env.log.Count())
	assert.Empty(t, s.Query(feature.Envelope{}))
	_, err = s.GetFeature(id)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteSyncedFeatureQueuesDelete(t *testing.T) {
	env := newTestStore(t, feature.GeometryPoint)
	s := env.store

	require.NoError(t, s.PutFromRemote(pointFeature(7, 1, 1), feature.CompareData))
	require.Equal(t, 0, env.log.Count())

	require.NoError(t, s.UpdateValues(7, map[string]feature.Value{"name": feature.StringValue("x")}))
	require.NoError(t, s.DeleteFeature(7))

	records := env.log.Records()
	require.Len(t, records, 1)
	assert.Equal(t, changelog.OpDelete, records[0].Op)
}

func TestDraftsAreNotQueued(t *testing.T) {
	env := newTestStore(t, feature.GeometryPoint)
	s := env.store

	f := pointFeature(0, 1, 1)
	f.Draft = feature.Temp
	id, err := s.CreateFeature(f)
	require.NoError(t, err)
	require.NoError(t, s.UpdateGeometry(id, orb.Point{2, 2}))
	assert.Equal(t, 0, env.log.Count())

	require.NoError(t, s.Promote(id))
	assert.True(t, env.log.HasPending(id, changelog.OpNew))
}

func TestInvalidGeometryChangesNothing(t *testing.T) {
	env := newTestStore(t, feature.GeometryPoint)
	s := env.store

	bad := &feature.Feature{Geometry: orb.LineString{{0, 0}, {1, 1}}}
	_, err := s.CreateFeature(bad)
	var ve *feature.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "geometry", ve.Field)

	assert.Equal(t, 0, env.log.Count())
	assert.Equal(t, 0, s.Size())
	n, err := env.db.CountFeatures()
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestCreateFeatureBatch(t *testing.T) {
	env := newTestStore(t, feature.GeometryPoint)
	s := env.store

	ids, err := s.CreateFeatureBatch([]*feature.Feature{
		pointFeature(0, 0, 0),
		{Geometry: orb.Polygon{{{0, 0}, {1, 0}, {1, 1}, {0, 0}}}},
		pointFeature(0, 100, 50),
	})
	require.Error(t, err)
	require.Len(t, ids, 3)
	assert.NotZero(t, ids[0])
	assert.Zero(t, ids[1])
	assert.NotZero(t, ids[2])

	ext := s.Extent()
	assert.True(t, ext.Contains(feature.NewEnvelope(0, 0, 100, 50)))
	assert.Equal(t, 2, env.log.Count())
}

func TestChangeIDMovesEverything(t *testing.T) {
	env := newTestStore(t, feature.GeometryPoint)
	s := env.store

	f := pointFeature(-42, 500, 600)
	_, err := s.CreateFeature(f)
	require.NoError(t, err)
	_, err = s.AddAttachment(-42, feature.Attachment{Name: "note.txt"}, bytes.NewBufferString("hello"))
	require.NoError(t, err)
	before, _ := s.cache.Get(-42)

	var events []Event
	s.AddObserver(ObserverFunc(func(e Event) { events = append(events, e) }))

	require.NoError(t, s.ChangeID(-42, 1001))

	_, err = s.GetFeature(-42)
	assert.ErrorIs(t, err, ErrNotFound)
	got, err := s.GetFeature(1001)
	require.NoError(t, err)
	assert.Equal(t, int64(1001), got.ID)
	require.Len(t, got.Attachments, 1)

	assert.Equal(t, []int64{1001}, s.Query(before))
	after, ok := s.cache.Get(1001)
	require.True(t, ok)
	assert.Equal(t, before, after)

	for _, r := range env.log.Records() {
		assert.Equal(t, int64(1001), r.FeatureID)
	}
	_, err = os.Stat(filepath.Join(env.dir, "attachments", "1001", got.Attachments[0].BlobName))
	assert.NoError(t, err)

	assert.NotNil(t, s.GetGeometry(1001, 16))
	require.Len(t, events, 1)
	assert.Equal(t, FeatureRemapped, events[0].Kind)
	assert.Equal(t, int64(-42), events[0].OldID)
}

func TestChangeIDAfterLocalDeleteRemapsRecords(t *testing.T) {
	env := newTestStore(t, feature.GeometryPoint)
	s := env.store

	id, err := s.CreateFeature(pointFeature(0, 1, 1))
	require.NoError(t, err)

	f, _, err := s.BeginPush(id)
	require.NoError(t, err)
	require.NotNil(t, f)

	// Deleted while the create is uploading
	require.NoError(t, s.DeleteFeature(id))
	require.NoError(t, s.ChangeID(id, 55))
	s.EndPush(55)

	assert.True(t, env.log.HasPending(55, changelog.OpDelete))
	assert.False(t, env.log.HasPending(id, 0))
}

func TestLadderDropsDegenerateParts(t *testing.T) {
	env := newTestStore(t, feature.GeometryPolygon)
	s := env.store

	small := orb.Polygon{{{0, 0}, {10, 0}, {10, 10}, {0, 10}, {0, 0}}}
	id, err := s.CreateFeature(&feature.Feature{Geometry: small})
	require.NoError(t, err)

	assert.Nil(t, s.GetGeometry(id, 4), "10m square is below a pixel at zoom 4")
	assert.NotNil(t, s.GetGeometry(id, 16))
	assert.Equal(t, small, s.GetGeometry(id, 20))
}

func TestLadderSimplifiesProgressively(t *testing.T) {
	env := newTestStore(t, feature.GeometryLineString)
	s := env.store

	line := orb.LineString{{0, 0}, {50000, 50}, {100000, 0}}
	zooms, _ := s.simplifyLadder(1, line)

	assert.Len(t, zooms[16].(orb.LineString), 3)
	assert.Len(t, zooms[4].(orb.LineString), 2)
	for _, z := range s.opts.Zooms() {
		assert.Contains(t, zooms, z)
	}
}

func TestGetGeometryBuckets(t *testing.T) {
	opts := DefaultOptions()
	tests := []struct {
		zoom   int
		want   int
		ladder bool
	}{
		{17, 0, false},
		{16, 16, true},
		{15, 16, true},
		{5, 6, true},
		{4, 4, true},
		{1, 4, true},
	}
	for _, tt := range tests {
		got, ok := opts.bucket(tt.zoom)
		if ok != tt.ladder || (ok && got != tt.want) {
			t.Errorf("bucket(%d) = %d, %v, want %d, %v", tt.zoom, got, ok, tt.want, tt.ladder)
		}
	}
}

func TestOverlapRuleSuppressesNearbyPoints(t *testing.T) {
	env := newTestStore(t, feature.GeometryPoint)
	s := env.store

	first, err := s.CreateFeature(pointFeature(0, 0, 0))
	require.NoError(t, err)
	second, err := s.CreateFeature(pointFeature(0, 100, 0))
	require.NoError(t, err)

	assert.NotNil(t, s.GetGeometry(first, 4))
	assert.Nil(t, s.GetGeometry(second, 4), "100m apart overlaps at zoom 4")
	assert.NotNil(t, s.GetGeometry(second, 16))
	assert.Equal(t, orb.Point{100, 0}, s.GetGeometry(second, 18))

	// Suppressed points are still stored and searchable
	assert.ElementsMatch(t, []int64{first, second}, s.Query(feature.Envelope{}))
}

func TestPutFromRemoteWritesNoRecords(t *testing.T) {
	env := newTestStore(t, feature.GeometryPoint)
	s := env.store

	var kinds []EventKind
	s.AddObserver(ObserverFunc(func(e Event) {
		assert.True(t, e.FromRemote)
		kinds = append(kinds, e.Kind)
	}))

	f := pointFeature(5, 3, 4)
	f.Attachments = []feature.Attachment{{ID: 9, Name: "photo.jpg", Size: 10}}
	require.NoError(t, s.PutFromRemote(f, feature.CompareData))

	update := pointFeature(5, 30, 40)
	update.Values["name"] = feature.StringValue("remote")
	require.NoError(t, s.PutFromRemote(update, feature.CompareAttributes))

	got, err := s.GetFeature(5)
	require.NoError(t, err)
	assert.Equal(t, orb.Point{3, 4}, got.Geometry, "geometry not selected by mask")
	assert.Equal(t, "remote", got.Values["name"].Str())
	require.Len(t, got.Attachments, 1)
	assert.Empty(t, got.Attachments[0].BlobName)

	require.NoError(t, s.DeleteFromRemote(5))
	require.NoError(t, s.DeleteFromRemote(5))

	assert.Equal(t, 0, env.log.Count())
	assert.Equal(t, []EventKind{FeatureInserted, FeatureUpdated, FeatureDeleted}, kinds)
}

func TestAttachmentLifecycle(t *testing.T) {
	env := newTestStore(t, feature.GeometryPoint)
	s := env.store
	require.NoError(t, s.PutFromRemote(pointFeature(3, 0, 0), feature.CompareData))

	aid, err := s.AddAttachment(3, feature.Attachment{Name: "Readme.TXT", Description: "d"},
		bytes.NewBufferString("some text"))
	require.NoError(t, err)
	assert.True(t, feature.IsLocalID(aid))
	assert.True(t, env.log.HasPendingAttach(3, aid, changelog.AttachNew))

	f, meta, err := s.OpenAttachment(3, aid)
	require.NoError(t, err)
	data, err := io.ReadAll(f)
	f.Close()
	require.NoError(t, err)
	assert.Equal(t, "some text", string(data))
	assert.Equal(t, int64(9), meta.Size)
	assert.Contains(t, meta.MimeType, "text/plain")

	require.NoError(t, s.UpdateAttachment(3, feature.Attachment{ID: aid, Name: "readme.txt"}))
	assert.Len(t, env.log.Records(), 1, "change folds into pending NEW")

	require.NoError(t, s.DeleteAttachment(3, aid))
	assert.Equal(t, 0, env.log.Count())
	_, err = os.Stat(s.blobs.Path(3, meta.BlobName))
	assert.True(t, os.IsNotExist(err))

	err = s.DeleteAttachment(3, aid)
	assert.True(t, errors.Is(err, ErrAttachmentNotFound))
}

func TestRemoteAttachmentKeepsBlob(t *testing.T) {
	env := newTestStore(t, feature.GeometryPoint)
	s := env.store
	require.NoError(t, s.PutFromRemote(pointFeature(3, 0, 0), feature.CompareData))

	aid, err := s.AddAttachment(3, feature.Attachment{Name: "a.txt"}, bytes.NewBufferString("x"))
	require.NoError(t, err)
	require.NoError(t, s.ChangeAttachmentID(3, aid, 77))

	require.NoError(t, s.PutAttachmentFromRemote(3, feature.Attachment{ID: 77, Name: "renamed.txt", Size: 1}))
	got, err := s.GetFeature(3)
	require.NoError(t, err)
	require.Len(t, got.Attachments, 1)
	assert.Equal(t, "renamed.txt", got.Attachments[0].Name)
	assert.NotEmpty(t, got.Attachments[0].BlobName)

	for _, r := range env.log.Records() {
		assert.Equal(t, int64(77), r.AttachID)
	}

	require.NoError(t, s.DeleteAttachmentFromRemote(3, 77))
	assert.Equal(t, 0, env.log.Count())
}

func TestCachePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	env := openTestStore(t, dir, feature.GeometryPoint)
	for i := 0; i < 20; i++ {
		_, err := env.store.CreateFeature(pointFeature(0, float64(i*1000), float64(i*500)))
		require.NoError(t, err)
	}
	query := feature.NewEnvelope(2500, 0, 9500, 10000)
	want := env.store.Query(query)
	require.NotEmpty(t, want)
	require.NoError(t, env.store.Close())
	require.NoError(t, env.db.Close())

	reopened := openTestStore(t, dir, feature.GeometryPoint)
	assert.Equal(t, want, reopened.store.Query(query))
	assert.Equal(t, 20, reopened.store.Size())
}

func TestStaleIndexIsRebuilt(t *testing.T) {
	dir := t.TempDir()
	env := openTestStore(t, dir, feature.GeometryPoint)
	_, err := env.store.CreateFeature(pointFeature(0, 1, 1))
	require.NoError(t, err)
	require.NoError(t, env.store.Close())

	// A feature written after the index was saved
	_, err = env.store.CreateFeature(pointFeature(0, 2, 2))
	require.NoError(t, err)
	require.NoError(t, env.db.Close())

	var rebuilt bool
	reopened := openTestStore(t, dir, feature.GeometryPoint)
	reopened.store.AddObserver(ObserverFunc(func(e Event) { rebuilt = rebuilt || e.Kind == CacheRebuilt }))
	assert.Equal(t, 2, reopened.store.Size())

	require.NoError(t, reopened.store.RebuildCache())
	assert.True(t, rebuilt)
	assert.Equal(t, 2, reopened.store.Size())
}

func TestAddField(t *testing.T) {
	env := newTestStore(t, feature.GeometryPoint)
	s := env.store

	added, err := s.AddField(feature.Field{Name: "Street Name", Type: feature.FieldString})
	require.NoError(t, err)
	assert.True(t, added)
	_, ok := s.Schema().Field("street_name")
	assert.True(t, ok)

	added, err = s.AddField(feature.Field{Name: "street_name", Type: feature.FieldString})
	require.NoError(t, err)
	assert.False(t, added)

	stored, err := env.db.LoadSchema()
	require.NoError(t, err)
	_, ok = stored.Field("street_name")
	assert.True(t, ok)
}

// failingLedger fails every write while broken is set
type failingLedger struct {
	*changelog.MemoryLedger
	broken bool
}

var errDiskFull = errors.New("disk full")

func (l *failingLedger) Append(r changelog.Record) (uint64, error) {
	if l.broken {
		return 0, errDiskFull
	}
	return l.MemoryLedger.Append(r)
}

func (l *failingLedger) Delete(id uint64) error {
	if l.broken {
		return errDiskFull
	}
	return l.MemoryLedger.Delete(id)
}

func newFailingStore(t *testing.T) (*testEnv, *failingLedger) {
	t.Helper()
	dir := t.TempDir()
	db, err := boltdb.Open(filepath.Join(dir, "layer.db"), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ledger := &failingLedger{MemoryLedger: changelog.NewMemoryLedger()}
	log, err := changelog.Open(ledger)
	require.NoError(t, err)

	schema := &feature.Schema{
		Name:         "test",
		GeometryType: feature.GeometryPoint,
		Fields:       []feature.Field{{Name: "name", Type: feature.FieldString}},
	}
	s, err := New(schema, db, log, attachstore.New(filepath.Join(dir, "attachments")), DefaultOptions())
	require.NoError(t, err)
	require.NoError(t, s.LoadCache())
	return &testEnv{dir: dir, db: db, log: log, store: s}, ledger
}

func TestLedgerFailureKeepsDeletedFeature(t *testing.T) {
	env, ledger := newFailingStore(t)
	s := env.store

	require.NoError(t, s.PutFromRemote(pointFeature(5, 1, 1), feature.CompareData))
	require.NoError(t, s.UpdateValues(5, map[string]feature.Value{"name": feature.StringValue("edited")}))
	require.True(t, env.log.HasPending(5, changelog.OpChanged))

	ledger.broken = true
	err := s.DeleteFeature(5)
	require.ErrorIs(t, err, errDiskFull)

	got, err := s.GetFeature(5)
	require.NoError(t, err, "row must survive a failed delete")
	assert.Equal(t, "edited", got.Values["name"].Str())
	assert.Equal(t, []int64{5}, s.Query(feature.Envelope{}))
	assert.True(t, env.log.HasPending(5, changelog.OpChanged), "pending edit must survive")
	assert.NotNil(t, s.GetGeometry(5, 10))

	ledger.broken = false
	require.NoError(t, s.DeleteFeature(5))
	records := env.log.Records()
	require.Len(t, records, 1)
	assert.Equal(t, changelog.OpDelete, records[0].Op)
}

func TestLedgerFailureRestoresEdits(t *testing.T) {
	env, ledger := newFailingStore(t)
	s := env.store

	require.NoError(t, s.PutFromRemote(pointFeature(5, 1, 1), feature.CompareData))
	ledger.broken = true

	tests := []struct {
		name string
		edit func() error
	}{
		{"values", func() error {
			return s.UpdateValues(5, map[string]feature.Value{"name": feature.StringValue("lost")})
		}},
		{"geometry", func() error { return s.UpdateGeometry(5, orb.Point{9, 9}) }},
		{"attachment", func() error {
			_, err := s.AddAttachment(5, feature.Attachment{Name: "a.txt"}, bytes.NewReader([]byte("hello")))
			return err
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.ErrorIs(t, tt.edit(), errDiskFull)

			got, err := s.GetFeature(5)
			require.NoError(t, err)
			assert.Equal(t, orb.Point{1, 1}, got.Geometry)
			assert.Equal(t, "p", got.Values["name"].Str())
			assert.Empty(t, got.Attachments)
			assert.Equal(t, 0, env.log.Count())
		})
	}
}

package docstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/gridfs"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/iliyamo/patient-care-reminder/internal/model"
)

const uploadsBucket = "uploads"

// ErrFileNotFound is returned when an id does not name a stored file.
var ErrFileNotFound = errors.New("file not found")

// FileStore keeps uploaded files in a GridFS bucket.
type FileStore struct {
	cache *Cache
}

func NewFileStore(cache *Cache) *FileStore {
	return &FileStore{cache: cache}
}

// gridFile mirrors a document of the bucket's files collection.
type gridFile struct {
	ID         primitive.ObjectID `bson:"_id"`
	Length     int64              `bson:"length"`
	UploadDate time.Time          `bson:"uploadDate"`
	Filename   string             `bson:"filename"`
	Metadata   struct {
		ContentType string `bson:"content_type"`
	} `bson:"metadata"`
}

func (f gridFile) stored() model.StoredFile {
	return model.StoredFile{
		ID:          f.ID.Hex(),
		Filename:    f.Filename,
		ContentType: f.Metadata.ContentType,
		Size:        f.Length,
		UploadedAt:  f.UploadDate,
	}
}

// bucket opens the uploads bucket and applies ctx's deadline, since GridFS
// streams in this driver version take deadlines rather than contexts.
func (s *FileStore) bucket(ctx context.Context, write bool) (*gridfs.Bucket, error) {
	h, err := s.cache.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	b, err := gridfs.NewBucket(h.Database, options.GridFSBucket().SetName(uploadsBucket))
	if err != nil {
		return nil, fmt.Errorf("open bucket: %w", err)
	}
	if dl, ok := ctx.Deadline(); ok {
		if write {
			err = b.SetWriteDeadline(dl)
		} else {
			err = b.SetReadDeadline(dl)
		}
		if err != nil {
			return nil, err
		}
	}
	return b, nil
}

// Upload streams r into the bucket and returns the stored file's metadata.
func (s *FileStore) Upload(ctx context.Context, filename, contentType string, r io.Reader) (model.StoredFile, error) {
	b, err := s.bucket(ctx, true)
	if err != nil {
		return model.StoredFile{}, err
	}
	cr := &countingReader{r: r}
	opts := options.GridFSUpload().SetMetadata(bson.M{"content_type": contentType})
	id, err := b.UploadFromStream(filename, cr, opts)
	if err != nil {
		return model.StoredFile{}, fmt.Errorf("upload %s: %w", filename, err)
	}
	return model.StoredFile{
		ID:          id.Hex(),
		Filename:    filename,
		ContentType: contentType,
		Size:        cr.n,
		UploadedAt:  time.Now().UTC(),
	}, nil
}

// Open returns a reader over the file's content plus its metadata.  The
// caller closes the reader.
func (s *FileStore) Open(ctx context.Context, id string) (io.ReadCloser, model.StoredFile, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, model.StoredFile{}, ErrFileNotFound
	}
	b, err := s.bucket(ctx, false)
	if err != nil {
		return nil, model.StoredFile{}, err
	}

	var meta gridFile
	err = b.GetFilesCollection().FindOne(ctx, bson.M{"_id": oid}).Decode(&meta)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, model.StoredFile{}, ErrFileNotFound
	}
	if err != nil {
		return nil, model.StoredFile{}, fmt.Errorf("find file %s: %w", id, err)
	}

	stream, err := b.OpenDownloadStream(oid)
	if errors.Is(err, gridfs.ErrFileNotFound) {
		return nil, model.StoredFile{}, ErrFileNotFound
	}
	if err != nil {
		return nil, model.StoredFile{}, fmt.Errorf("open file %s: %w", id, err)
	}
	return stream, meta.stored(), nil
}

// Delete removes a file and its chunks.
func (s *FileStore) Delete(ctx context.Context, id string) error {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return ErrFileNotFound
	}
	b, err := s.bucket(ctx, true)
	if err != nil {
		return err
	}
	err = b.Delete(oid)
	if errors.Is(err, gridfs.ErrFileNotFound) {
		return ErrFileNotFound
	}
	if err != nil {
		return fmt.Errorf("delete file %s: %w", id, err)
	}
	return nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

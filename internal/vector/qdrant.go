package vector

import (
	"context"
	"crypto/tls"
	"fmt"

	"github.com/google/uuid"
	"github.com/marek/upcycle/internal/config"
	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
)

// apiKeyInterceptor creates a unary interceptor that adds API key to metadata
func apiKeyInterceptor(apiKey string) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		ctx = metadata.AppendToOutgoingContext(ctx, "api-key", apiKey)
		return invoker(ctx, method, req, reply, cc, opts...)
	}
}

// QdrantIndex implements Index against a Qdrant collection.
// Supports both local Qdrant (insecure) and Qdrant Cloud (TLS + API Key).
// Qdrant owns persistence, so Save is a no-op.
type QdrantIndex struct {
	conn          *grpc.ClientConn
	pointsClient  pb.PointsClient
	collectClient pb.CollectionsClient
	collection    string
	dim           int
}

// NewQdrantIndex creates a QdrantIndex. Call Initialize to ensure the
// collection exists before use.
func NewQdrantIndex(cfg *config.QdrantConfig, dim int) (*QdrantIndex, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	var opts []grpc.DialOption

	// TLS is enabled if an API key is set or UseTLS is explicitly true
	useTLS := cfg.UseTLS || cfg.APIKey != ""
	if useTLS {
		tlsConfig := &tls.Config{
			MinVersion: tls.VersionTLS13,
		}
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(tlsConfig)))
		if cfg.APIKey != "" {
			opts = append(opts, grpc.WithUnaryInterceptor(apiKeyInterceptor(cfg.APIKey)))
		}
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to qdrant: %w", err)
	}

	return &QdrantIndex{
		conn:          conn,
		pointsClient:  pb.NewPointsClient(conn),
		collectClient: pb.NewCollectionsClient(conn),
		collection:    cfg.Collection,
		dim:           dim,
	}, nil
}

// Initialize creates the collection if it doesn't exist and validates the
// vector size of an existing one.
func (q *QdrantIndex) Initialize(ctx context.Context) error {
	info, err := q.collectClient.Get(ctx, &pb.GetCollectionInfoRequest{
		CollectionName: q.collection,
	})
	if err == nil {
		if size, ok := collectionVectorSize(info.GetResult()); ok {
			if size != uint64(q.dim) {
				return fmt.Errorf("collection %s has vector size %d, expected %d", q.collection, size, q.dim)
			}
		}
		return nil
	}

	_, err = q.collectClient.Create(ctx, &pb.CreateCollection{
		CollectionName: q.collection,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     uint64(q.dim),
					Distance: pb.Distance_Cosine,
				},
			},
		},
		HnswConfig: &pb.HnswConfigDiff{
			M:                 optionalUint64(16),
			EfConstruct:       optionalUint64(128),
			FullScanThreshold: optionalUint64(10000),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}
	return nil
}

func optionalUint64(v uint64) *uint64 {
	return &v
}

func collectionVectorSize(info *pb.CollectionInfo) (uint64, bool) {
	if info == nil {
		return 0, false
	}
	config := info.GetConfig()
	if config == nil {
		return 0, false
	}
	params := config.GetParams()
	if params == nil {
		return 0, false
	}
	vectors := params.GetVectorsConfig()
	if vectors == nil {
		return 0, false
	}
	if single := vectors.GetParams(); single != nil {
		if size := single.GetSize(); size > 0 {
			return size, true
		}
	}
	return 0, false
}

// Add upserts vec under id. Qdrant keys points by the record UUID, so
// re-adding an ID replaces the old vector directly.
func (q *QdrantIndex) Add(ctx context.Context, id string, vec []float32) error {
	if len(vec) != q.dim {
		return fmt.Errorf("vector has dimension %d, expected %d", len(vec), q.dim)
	}
	uid, err := uuid.Parse(id)
	if err != nil {
		return fmt.Errorf("invalid point ID: %w", err)
	}

	_, err = q.pointsClient.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: q.collection,
		Points: []*pb.PointStruct{
			{
				Id: &pb.PointId{
					PointIdOptions: &pb.PointId_Uuid{Uuid: uid.String()},
				},
				Vectors: &pb.Vectors{
					VectorsOptions: &pb.Vectors_Vector{
						Vector: &pb.Vector{Data: vec},
					},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to upsert point: %w", err)
	}
	return nil
}

// Search performs a vector similarity search. Cosine scores over unit
// vectors line up with the flat backend's distance mapping, clamped to
// [0, 1].
func (q *QdrantIndex) Search(ctx context.Context, vec []float32, k int) ([]Hit, error) {
	if len(vec) != q.dim {
		return nil, fmt.Errorf("query vector has dimension %d, expected %d", len(vec), q.dim)
	}
	if k <= 0 {
		return nil, nil
	}

	resp, err := q.pointsClient.Search(ctx, &pb.SearchPoints{
		CollectionName: q.collection,
		Vector:         vec,
		Limit:          uint64(k),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}

	hits := make([]Hit, len(resp.Result))
	for i, scored := range resp.Result {
		score := scored.Score
		if score < 0 {
			score = 0
		}
		if score > 1 {
			score = 1
		}
		hits[i] = Hit{ID: scored.Id.GetUuid(), Score: score}
	}
	return hits, nil
}

// Remove deletes the point for id. Missing IDs are a no-op on the Qdrant
// side.
func (q *QdrantIndex) Remove(ctx context.Context, id string) error {
	uid, err := uuid.Parse(id)
	if err != nil {
		return fmt.Errorf("invalid point ID: %w", err)
	}

	_, err = q.pointsClient.Delete(ctx, &pb.DeletePoints{
		CollectionName: q.collection,
		Points: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Points{
				Points: &pb.PointsIdsList{
					Ids: []*pb.PointId{
						{PointIdOptions: &pb.PointId_Uuid{Uuid: uid.String()}},
					},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to delete point: %w", err)
	}
	return nil
}

// Count reports the number of points in the collection.
func (q *QdrantIndex) Count(ctx context.Context) (int, error) {
	resp, err := q.pointsClient.Count(ctx, &pb.CountPoints{
		CollectionName: q.collection,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count points: %w", err)
	}
	return int(resp.GetResult().GetCount()), nil
}

// Save is a no-op, Qdrant persists server-side.
func (q *QdrantIndex) Save(ctx context.Context) error {
	return nil
}

// Close closes the gRPC connection.
func (q *QdrantIndex) Close() error {
	return q.conn.Close()
}

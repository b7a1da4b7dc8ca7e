package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

const (
	accountsCollection = "accounts"
	messagesCollection = "messages"
)

type accountDoc struct {
	Id           string    `bson:"_id"`
	Username     string    `bson:"username"`
	EmailAddress string    `bson:"email"`
	PasswordHash string    `bson:"password_hash"`
	CreatedAt    time.Time `bson:"created_at"`
	UpdatedAt    time.Time `bson:"updated_at"`
}

func (d accountDoc) toUser() User {
	return User{
		Id:           d.Id,
		Username:     d.Username,
		EmailAddress: d.EmailAddress,
		PasswordHash: d.PasswordHash,
		CreatedAt:    d.CreatedAt,
		UpdatedAt:    d.UpdatedAt,
	}
}

type messageDoc struct {
	Id        string     `bson:"_id"`
	Sender    string     `bson:"sender"`
	Receiver  string     `bson:"receiver"`
	Content   string     `bson:"message"`
	Image     string     `bson:"image,omitempty"`
	SeenAt    *time.Time `bson:"seen_at"`
	CreatedAt time.Time  `bson:"created_at"`
}

func (d messageDoc) toMessage() Message {
	return Message{
		Id:         d.Id,
		SenderId:   d.Sender,
		ReceiverId: d.Receiver,
		Content:    d.Content,
		Image:      d.Image,
		SeenAt:     d.SeenAt,
		CreatedAt:  d.CreatedAt,
	}
}

// MongoRepository stores accounts and messages in MongoDB, the document
// layout the CampusLink web client reads.
type MongoRepository struct {
	client *mongo.Client
	db     *mongo.Database
}

func NewMongoRepository(ctx context.Context, uri, database string) (*MongoRepository, error) {
	opts := options.Client().ApplyURI(uri).SetAppName("campuslink-realtime")

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}

	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping: %w", err)
	}

	repo := &MongoRepository{client: client, db: client.Database(database)}
	if err := repo.ensureIndexes(ctx); err != nil {
		client.Disconnect(context.Background())
		return nil, err
	}

	return repo, nil
}

func (m *MongoRepository) ensureIndexes(ctx context.Context) error {
	_, err := m.db.Collection(accountsCollection).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "email", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "username", Value: 1}}, Options: options.Index().SetUnique(true)},
	})
	if err != nil {
		return fmt.Errorf("account indexes: %w", err)
	}

	_, err = m.db.Collection(messagesCollection).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "sender", Value: 1}, {Key: "receiver", Value: 1}, {Key: "created_at", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("message indexes: %w", err)
	}

	return nil
}

func (m *MongoRepository) Ping(ctx context.Context) error {
	return m.client.Ping(ctx, readpref.Primary())
}

func (m *MongoRepository) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}

func translateMongoError(err error) error {
	if errors.Is(err, mongo.ErrNoDocuments) {
		return ErrNotFound
	}
	if mongo.IsDuplicateKeyError(err) {
		return ErrConflict
	}
	return err
}

func (m *MongoRepository) CreateAccount(ctx context.Context, params CreateAccountParams) (User, error) {
	now := time.Now().UTC().Round(time.Millisecond)
	doc := accountDoc{
		Id:           uuid.NewString(),
		Username:     params.Username,
		EmailAddress: params.EmailAddress,
		PasswordHash: params.PasswordHash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if _, err := m.db.Collection(accountsCollection).InsertOne(ctx, doc); err != nil {
		return User{}, fmt.Errorf("create account: %w", translateMongoError(err))
	}

	u := doc.toUser()
	u.PasswordHash = ""
	return u, nil
}

func (m *MongoRepository) findAccount(ctx context.Context, filter bson.D) (User, error) {
	var doc accountDoc
	if err := m.db.Collection(accountsCollection).FindOne(ctx, filter).Decode(&doc); err != nil {
		return User{}, translateMongoError(err)
	}

	return doc.toUser(), nil
}

func (m *MongoRepository) GetAccountById(ctx context.Context, id string) (User, error) {
	u, err := m.findAccount(ctx, bson.D{{Key: "_id", Value: id}})
	u.PasswordHash = ""
	return u, err
}

func (m *MongoRepository) GetAccountByEmail(ctx context.Context, email string) (User, error) {
	return m.findAccount(ctx, bson.D{{Key: "email", Value: email}})
}

func (m *MongoRepository) CreateMessage(ctx context.Context, params CreateMessageParams) (Message, error) {
	doc := messageDoc{
		Id:        uuid.NewString(),
		Sender:    params.SenderId,
		Receiver:  params.ReceiverId,
		Content:   params.Content,
		Image:     params.Image,
		CreatedAt: time.Now().UTC().Round(time.Millisecond),
	}

	if _, err := m.db.Collection(messagesCollection).InsertOne(ctx, doc); err != nil {
		return Message{}, fmt.Errorf("create message: %w", translateMongoError(err))
	}

	return doc.toMessage(), nil
}

func conversationFilter(userId, otherId string) bson.D {
	return bson.D{{Key: "$or", Value: bson.A{
		bson.D{{Key: "sender", Value: userId}, {Key: "receiver", Value: otherId}},
		bson.D{{Key: "sender", Value: otherId}, {Key: "receiver", Value: userId}},
	}}}
}

func (m *MongoRepository) GetConversation(ctx context.Context, userId, otherId string) ([]Message, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})

	cur, err := m.db.Collection(messagesCollection).Find(ctx, conversationFilter(userId, otherId), opts)
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}

	var docs []messageDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode conversation: %w", err)
	}

	messages := make([]Message, 0, len(docs))
	for _, d := range docs {
		messages = append(messages, d.toMessage())
	}

	return messages, nil
}

// chatPartnersPipeline groups userId's messages by the other party, keeps
// the newest timestamp per party and joins the matching account.
func chatPartnersPipeline(userId string) mongo.Pipeline {
	return mongo.Pipeline{
		{{Key: "$match", Value: bson.D{{Key: "$or", Value: bson.A{
			bson.D{{Key: "sender", Value: userId}},
			bson.D{{Key: "receiver", Value: userId}},
		}}}}},
		{{Key: "$project", Value: bson.D{
			{Key: "partner", Value: bson.D{{Key: "$cond", Value: bson.A{
				bson.D{{Key: "$eq", Value: bson.A{"$sender", userId}}},
				"$receiver",
				"$sender",
			}}}},
			{Key: "created_at", Value: 1},
		}}},
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: "$partner"},
			{Key: "last_at", Value: bson.D{{Key: "$max", Value: "$created_at"}}},
		}}},
		{{Key: "$sort", Value: bson.D{{Key: "last_at", Value: -1}}}},
		{{Key: "$lookup", Value: bson.D{
			{Key: "from", Value: accountsCollection},
			{Key: "localField", Value: "_id"},
			{Key: "foreignField", Value: "_id"},
			{Key: "as", Value: "account"},
		}}},
		{{Key: "$unwind", Value: "$account"}},
		{{Key: "$replaceRoot", Value: bson.D{{Key: "newRoot", Value: "$account"}}}},
	}
}

func (m *MongoRepository) ListChatPartners(ctx context.Context, userId string) ([]User, error) {
	cur, err := m.db.Collection(messagesCollection).Aggregate(ctx, chatPartnersPipeline(userId))
	if err != nil {
		return nil, fmt.Errorf("list chat partners: %w", err)
	}

	var docs []accountDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode chat partners: %w", err)
	}

	partners := make([]User, 0, len(docs))
	for _, d := range docs {
		u := d.toUser()
		u.PasswordHash = ""
		partners = append(partners, u)
	}

	return partners, nil
}

func (m *MongoRepository) MarkSeen(ctx context.Context, receiverId, senderId string, at time.Time) (int64, error) {
	filter := bson.D{
		{Key: "receiver", Value: receiverId},
		{Key: "sender", Value: senderId},
		{Key: "seen_at", Value: nil},
	}
	update := bson.D{{Key: "$set", Value: bson.D{{Key: "seen_at", Value: at}}}}

	res, err := m.db.Collection(messagesCollection).UpdateMany(ctx, filter, update)
	if err != nil {
		return 0, fmt.Errorf("mark seen: %w", err)
	}

	return res.ModifiedCount, nil
}
